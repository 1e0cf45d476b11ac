// SPDX-License-Identifier: MIT

package telemetry

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys of the transfer spans.
const (
	TransferRemoteDirKey = attribute.Key("transfer.remote_dir")
	TransferLocalDirKey  = attribute.Key("transfer.local_dir")
	TransferPreviewKey   = attribute.Key("transfer.preview_seconds")
	TransferPooledKey    = attribute.Key("transfer.pooled")
	TransferFileKey      = attribute.Key("transfer.file")
	TransferStatusKey    = attribute.Key("transfer.status")
	TransferFetchedKey   = attribute.Key("transfer.fetched")
	TransferSkippedKey   = attribute.Key("transfer.skipped")
	TransferFailedKey    = attribute.Key("transfer.failed")
)

// MaterializeAttributes describes one materialization request.
func MaterializeAttributes(remoteDir, localDir string, previewSeconds float64, pooled bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		TransferRemoteDirKey.String(remoteDir),
		TransferLocalDirKey.String(localDir),
		TransferPreviewKey.Float64(previewSeconds),
		TransferPooledKey.Bool(pooled),
	}
}

// OutcomeAttributes counts the per-file outcomes of a finished run.
func OutcomeAttributes(fetched, skipped, failed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		TransferFetchedKey.Int(fetched),
		TransferSkippedKey.Int(skipped),
		TransferFailedKey.Int(failed),
	}
}

// FileAttributes names one fetched file. An empty status is left out.
func FileAttributes(file, status string) []attribute.KeyValue {
	if status == "" {
		return []attribute.KeyValue{TransferFileKey.String(file)}
	}
	return []attribute.KeyValue{TransferFileKey.String(file), TransferStatusKey.String(status)}
}
