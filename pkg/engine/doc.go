// Package engine provides the core types and the execution loop of the Keel
// durable task engine.
//
// # Overview
//
// A task is a persisted, resumable unit of work. It names the program and
// step it will run next, carries a call stack of frames holding its local
// parameters, and becomes eligible to run at its readyAt time. Any number of
// worker processes poll the shared store, claim ready tasks in their own
// partition of the id space and advance them step by step. Each step runs in
// its own transaction together with the task update it produces, so a crash
// at any point leaves the task at a step boundary.
//
// # Programs and Steps
//
// A Program is a named set of Steps registered once at start-up in a
// Registry:
//
//	reg := engine.NewRegistry()
//	reg.MustRegister(engine.Program{
//	    Name: "counter",
//	    Steps: []engine.Step{
//	        {Name: "start", Run: start, Next: []string{"increment"}},
//	        {Name: "increment", Run: increment},
//	    },
//	})
//
// Every step returns exactly one Directive:
//
//   - Hop: move to another declared step
//   - Nap: stay at the current step and run again after a duration
//   - Push / Pop: call a sub-workflow in a new frame and return a value
//   - Bud: create a child task
//   - Reap: collect exited children
//   - Donate: end the turn without changing the task
//   - Exit: terminate a root task with a value
//
// Hops to steps not listed in Step.Next, and calls to programs not listed in
// Program.Calls, are programming errors.
//
// # Turns
//
// The Scheduler claims a batch of tasks and hands each to the Dispatcher,
// which runs steps until the task suspends (Nap, Bud without Then, Donate, a
// pending Reap), exits, fails or exhausts its turn budget. The budget is a
// quarter of the lease duration and MaxStepsPerTurn, whichever is hit first.
//
// # Error Classification
//
// Step failures are classified:
//
//   - Transient: any unclassified error or panic; the task keeps its step and
//     is claimable on the next poll
//   - Deadline: the task did not reach a registered target in time
//   - Programming: a defect in workflow code; the task is parked until Unfault
//   - Validation: bad input rejected before anything is persisted
//   - Conflict: another worker took over the lease
//
// # Signals
//
// Collaborators raise named semaphores on a task with Engine.Signal. Steps
// consume them with Context.CheckAndClear. Signaling never wakes a napping
// task; the semaphore is observed the next time the task runs.
package engine
