package model

import "time"

type Task struct {
	ID        string    `json:"id,omitempty" firestore:"-"`
	Title     string    `json:"title" firestore:"title"`
	Completed bool      `json:"completed" firestore:"completed"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	FamilyID  string    `json:"familyId" firestore:"familyId"`
}
