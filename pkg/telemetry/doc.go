// Package telemetry defines the furnace Reading, the one-shot payload
// normalization applied at the ingestion boundary, and the consecutive
// duplicate filter that sits in front of the history store.
//
// Recognized payload keys:
//
//	1wd..4wd  zone temperature
//	1gl..4gl  zone power percentage
//	0wd       process temperature
//	1bh..3bh  work-item identifier
//
// Any other key is carried along untouched.
package telemetry
