// Package cryptoutil provides the digest helpers shared by archive
// inspection, blob storage, and reconciliation.
package cryptoutil
