package models

import "time"

// BackupSnapshot describes one read-only archive of local artifact trees.
type BackupSnapshot struct {
	Name       string     `json:"name" yaml:"name"`
	Group      string     `json:"group" yaml:"group"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	Path       string     `json:"path" yaml:"-"`
	Categories []Category `json:"categories" yaml:"categories"`
}
