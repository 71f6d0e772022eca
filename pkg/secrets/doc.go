// Package secrets moves provider credentials from a workstation to clusters.
//
// Built-in providers (aws, gcp, ssh, kubernetes, huggingface) know their
// default credentials file and environment variables. A Loader reads them
// with afero, a Store keeps them encrypted in the local registry database,
// and a Syncer pushes them to a cluster's dispatch server, which writes them
// back out in the provider's own file format.
package secrets
