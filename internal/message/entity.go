package message

import "time"

type Message struct {
	ID        string    `yaml:"id" json:"id"`
	TaskID    string    `yaml:"task_id" json:"task_id"`
	AuthorID  string    `yaml:"author_id" json:"author_id"`
	Content   string    `yaml:"content" json:"content"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}
