package task

// Follower is the reverse interface the IPC layer calls on a subscribed
// client: one Write per output line, then exactly one terminal Quit.
type Follower interface {
	Write(line string) error
	Quit(returncode int) error
}
