package pushsubscription

import (
	"slices"
	"time"
)

type Subscription struct {
	ID        string `yaml:"id" json:"id"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	P256dhKey string `yaml:"p256dh_key" json:"p256dh_key"`
	AuthKey   string `yaml:"auth_key" json:"auth_key"`
	// ProjectIDs limits delivery to notifications of these projects. Empty
	// means every project.
	ProjectIDs []string  `yaml:"project_ids,omitempty" json:"project_ids,omitempty"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at" json:"updated_at"`
}

// Watches reports whether a notification of projectID goes to s.
// Notifications outside any project reach every subscription.
func (s *Subscription) Watches(projectID string) bool {
	return projectID == "" || len(s.ProjectIDs) == 0 || slices.Contains(s.ProjectIDs, projectID)
}
