// Package scheduler runs time-stamped publish tasks through a bounded worker
// pool. A single control loop owns every state transition and every snapshot
// write; the exported API only stages changes and wakes the loop, so readers
// always observe consistent copies.
package scheduler
