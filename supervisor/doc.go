/*
Package supervisor owns the lifecycle of the single long-lived worker process.

The supervisor is a state machine:

	STOPPED -> STARTING -> RUNNING -> CRASHED -> STARTING -> ...
	                                    \-> STOPPED (terminal, once the fail budget is spent)

The first caller that needs the worker spawns it. The worker's stdout is read on a dedicated goroutine, and every
frame, followed by the exit notification, is handed to one event loop, so frames from a worker are always delivered
before that worker's exit is processed.

Every error or exit increments the fail counter, and any well-formed reply resets it to zero. While the counter is
at or below the configured maximum, a crashed worker is replaced. Past the maximum the supervisor stops for good and
calls its fatal handler. The default handler exits the host process so the surrounding platform can provision a
fresh instance.
*/
package supervisor
