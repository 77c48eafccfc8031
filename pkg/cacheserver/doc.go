// Package cacheserver is a single node server for the chunked upload, artifact download and
// cache protocols, backed by local disk.
//
// It is meant for local development and end to end tests of the client, not as a general
// object store: there is no replication and entries live on one disk.
package cacheserver
