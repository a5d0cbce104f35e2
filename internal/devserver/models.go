package devserver

import (
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
)

// Recipe is a recipe other users can comment on, like and save.
type Recipe struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	Title     string    `gorm:"column:title;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (Recipe) TableName() string {
	return "recipes"
}

// NotificationRow is one entry of a user's feed.
type NotificationRow struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	SenderID    string    `gorm:"column:sender_id;size:190"`
	Title       string    `gorm:"column:title;not null"`
	Message     string    `gorm:"column:message"`
	RelatedKind string    `gorm:"column:related_kind;size:64"`
	RelatedID   int64     `gorm:"column:related_id"`
	Read        bool      `gorm:"column:is_read;not null;default:false"`
	Seen        bool      `gorm:"column:is_seen;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index"`
}

func (NotificationRow) TableName() string {
	return "notifications"
}

func (n NotificationRow) toRecord() store.Notification {
	record := store.Notification{
		ID:        n.ID,
		SenderID:  n.SenderID,
		Title:     n.Title,
		Message:   n.Message,
		CreatedAt: n.CreatedAt.UTC(),
		Read:      n.Read,
		Seen:      n.Seen,
	}
	if n.RelatedKind != "" {
		record.Related = &store.EntityRef{Kind: n.RelatedKind, ID: n.RelatedID}
	}
	return record
}

// CommentRow is a comment or, with a parent, a reply.
type CommentRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RecipeID  int64     `gorm:"column:recipe_id;not null;index"`
	AuthorID  string    `gorm:"column:author_id;size:190;not null"`
	ParentID  *int64    `gorm:"column:parent_id;index"`
	Content   string    `gorm:"column:content;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (CommentRow) TableName() string {
	return "comments"
}

func (c CommentRow) toRecord() store.Comment {
	record := store.Comment{
		ID:        c.ID,
		AuthorID:  c.AuthorID,
		RecipeID:  c.RecipeID,
		Content:   c.Content,
		CreatedAt: c.CreatedAt.UTC(),
	}
	if c.ParentID != nil {
		parentID := *c.ParentID
		record.ParentID = &parentID
	}
	return record
}

// Like records that a user likes a recipe.
type Like struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:190"`
	RecipeID int64  `gorm:"column:recipe_id;primaryKey;index"`
}

func (Like) TableName() string {
	return "recipe_likes"
}

// Save records that a user saved a recipe.
type Save struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:190"`
	RecipeID int64  `gorm:"column:recipe_id;primaryKey"`
}

func (Save) TableName() string {
	return "recipe_saves"
}
