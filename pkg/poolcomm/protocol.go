package poolcomm

// Request tags a session sends to the pool manager. Responses come back
// as 'f', 's' or 'p' envelopes.
const (
	// acquire a batch of datanode connections, answered with a
	// descriptor set
	ReqGetConnections byte = 'g'

	// list the backend pids of sessions interacting with the pooler,
	// answered with a pid list
	ReqAbortTransactions byte = 'a'

	// forward a session-level SET command, answered with the extended
	// result envelope carrying a command id
	ReqSetCommand byte = 's'

	// return this session's connections to the pool, answered with a
	// plain result envelope
	ReqRelease byte = 'r'
)
