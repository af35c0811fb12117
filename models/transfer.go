package models

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer statuses.
const (
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Transfer is one logged send or receive.
type Transfer struct {
	TransferID  string `json:"transfer_id"`
	Direction   string `json:"direction"`
	PeerAddress string `json:"peer_address"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	StoredPath  string `json:"stored_path,omitempty"`
	Status      string `json:"status"`
	ErrorKind   string `json:"error_kind,omitempty"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  int64  `json:"finished_at,omitempty"`
}

// Finished reports whether the transfer reached a terminal status.
func (t Transfer) Finished() bool {
	return t.Status == StatusComplete || t.Status == StatusFailed
}
