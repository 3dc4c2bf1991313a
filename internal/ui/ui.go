package ui

// UI receives pipeline progress.
type UI interface {
	UpdateStatus(status string)
	UpdateProgress(processed int)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string)   {}
func (s SilentUI) UpdateProgress(processed int) {}
func (s SilentUI) Log(msg string)               {}
