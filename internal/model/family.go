package model

import "time"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Profile is the users/{uid} document.
type Profile struct {
	UID         string    `json:"uid" firestore:"uid"`
	DisplayName string    `json:"displayName" firestore:"displayName"`
	Email       string    `json:"email" firestore:"email"`
	FamilyID    *string   `json:"familyId" firestore:"familyId"`
	Role        Role      `json:"role" firestore:"role"`
	JoinedAt    time.Time `json:"joinedAt" firestore:"joinedAt"`
}

type Family struct {
	ID         string    `json:"id,omitempty" firestore:"-"`
	Name       string    `json:"name" firestore:"name"`
	CreatedBy  string    `json:"createdBy" firestore:"createdBy"`
	CreatedAt  time.Time `json:"createdAt" firestore:"createdAt"`
	InviteCode string    `json:"inviteCode" firestore:"inviteCode"`
}

// Member is a families/{id}/members/{uid} entry. DisplayName and Email are
// copied from the member's profile when read and are not stored.
type Member struct {
	UID         string    `json:"uid" firestore:"uid"`
	Role        Role      `json:"role" firestore:"role"`
	JoinedAt    time.Time `json:"joinedAt" firestore:"joinedAt"`
	DisplayName string    `json:"displayName,omitempty" firestore:"-"`
	Email       string    `json:"email,omitempty" firestore:"-"`
}
