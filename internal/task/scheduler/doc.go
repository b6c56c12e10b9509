// Package scheduler is the polling loop that turns due tasks into executions.
//
// Each tick reads the due tasks, and for every task in order: creates an
// execution, opens its conversation thread, hands the work to the job runner,
// then advances (SCHEDULED) or completes (ONE_TIME) the task. One task failing
// never stops the rest of the tick. The loop never runs two ticks at once, and
// stopping it interrupts only the sleep between ticks.
package scheduler
