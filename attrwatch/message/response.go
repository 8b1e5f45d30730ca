package message

// Response is the closed set of replies to a Request.
type Response interface {
	isResponse()
}

// Ack is the bare success reply.
type Ack struct {
	Success bool `json:"success"`
}

type Added struct {
	Success   bool  `json:"success"`
	WatcherID int64 `json:"watcherId"`
}

type Toggled struct {
	Success bool `json:"success"`
	Live    bool `json:"live"`
}

type Status struct {
	Connected bool          `json:"connected"`
	Capturing bool          `json:"capturing"`
	Watchers  []WatcherInfo `json:"watchers"`
	Logs      []LogEntry    `json:"logs"`
	LogsCount int           `json:"logsCount"`
}

type Logs struct {
	Logs []LogEntry `json:"logs"`
}

type Described struct {
	Success     bool        `json:"success"`
	Selector    string      `json:"selector"`
	Strategy    string      `json:"strategy"`
	ElementInfo ElementInfo `json:"elementInfo"`
}

type Exported struct {
	Success    bool          `json:"success"`
	ExportTime string        `json:"exportTime"`
	Format     ExportFormat  `json:"format"`
	Watchers   []WatcherInfo `json:"watchers"`
	Logs       []LogEntry    `json:"logs"`
	Content    string        `json:"content,omitempty"`
}

// Failure carries an operation error. Error is the error string verbatim.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    Code   `json:"code"`
}

func (Ack) isResponse()       {}
func (Added) isResponse()     {}
func (Toggled) isResponse()   {}
func (Status) isResponse()    {}
func (Logs) isResponse()      {}
func (Described) isResponse() {}
func (Exported) isResponse()  {}
func (Failure) isResponse()   {}

// Fail builds the Failure reply for err.
func Fail(err error) Failure {
	return Failure{Success: false, Error: err.Error(), Code: CodeOf(err)}
}
