// Package internaldefs holds the shared metric name table and bucket
// helpers used by the Prometheus and OTel exporters. It is internal to
// the export packages and carries no stability guarantee.
package internaldefs
