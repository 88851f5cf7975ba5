package model

// Folder is one remote mailbox folder.
type Folder struct {
	Name       string
	Delimiter  string
	Attributes []string
}
