package model

// Counter names are a closed set shared by the operations, the progress
// reporter, and the event-stream listeners. An operation only ever emits the
// names it declares in its catalog entry, plus CounterError.
const (
	CounterTotal         = "total"
	CounterChanges       = "changes"
	CounterStoryTotal    = "storyTotal"
	CounterStoryChanges  = "storyChanges"
	CounterTaskTotal     = "taskTotal"
	CounterTaskChanges   = "taskChanges"
	CounterCaseTotal     = "caseTotal"
	CounterCaseChanges   = "caseChanges"
	CounterFolderChanges = "folderChanges"
	CounterSetChanges    = "setChanges"
	CounterDefects       = "defects"
	CounterMajor         = "major"
	CounterMinor         = "minor"
	CounterPasses        = "passes"
	CounterFails         = "fails"
	CounterScore         = "score"
	CounterDoc           = "doc"
	CounterError         = "error"
)
