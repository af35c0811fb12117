package network

import "cryptsend/models"

// History records transfer outcomes. storage.Store satisfies it.
type History interface {
	BeginTransfer(transfer models.Transfer) error
	FinishTransfer(transferID, status, errorKind string) error
}

type noopHistory struct{}

func (noopHistory) BeginTransfer(models.Transfer) error { return nil }

func (noopHistory) FinishTransfer(string, string, string) error { return nil }

func finishStatus(err error) (string, string) {
	if err != nil {
		return models.StatusFailed, ErrorKind(err)
	}
	return models.StatusComplete, ""
}
