// Package normalize canonicalizes events at the adapter/pipeline
// boundary: symbols, timestamps, aggressor sides, OHLC validation, and
// per-(source, symbol, type) duplicate and gap detection. The rewriting
// is idempotent.
package normalize
