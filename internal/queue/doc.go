// Package queue implements an in-process task queue with strict FIFO
// admission, a runtime-adjustable concurrency cap, cancellation of tasks
// that have not started, and a bounded history of finished tasks.
//
// Each Manager is independent. Applications that need several named queues
// keep their own map of managers.
//
// Lifecycle changes are reported through an injected Publisher, and task
// failures additionally through an Alerter. A task's "done" event marks the
// end of processing for both successful and failed tasks; failures are
// preceded by a separate "failed" event.
package queue
