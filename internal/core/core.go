/*
Core runs the canonical event pipeline.

# Module
  - producers: one goroutine per venue stream, normalize then append
  - sequencer: reorders appended events by event time within the lateness window
  - tracker: order/fill state, orphan checks on watermark advance
  - aggregator: optional tick-to-candle bars, appended like venue candles
  - consumer: receives every delivered event in order

# Source
 1. live venue streams from ingest
 2. simulated streams from the paper venue
 3. replayed logs from recorder

# Produce
  - appended event logs
  - tracker state
  - ordered events to the consumer

# Sharded
  - tracker by order id
  - event logs by exchange + symbol + kind
*/
package core
