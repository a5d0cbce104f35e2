package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	noOpLogger = zap.NewNop()

	errMissingDatabase = errors.New("database dependency required")
	errNotFound        = errors.New("not found")
	errForbidden       = errors.New("forbidden")
	errInvalidInput    = errors.New("invalid input")
	errNestedReply     = errors.New("replies cannot be nested")
)

// ServiceError is a coded backend failure. Codes read "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "devserver.service.new"
	opListNotifications   = "devserver.notifications.list"
	opCreateNotification  = "devserver.notifications.create"
	opMarkRead            = "devserver.notifications.mark_read"
	opMarkAllSeen         = "devserver.notifications.mark_all_seen"
	opDeleteNotification  = "devserver.notifications.delete"
	opClearNotifications  = "devserver.notifications.clear"
	opListComments        = "devserver.comments.list"
	opCreateComment       = "devserver.comments.create"
	opDeleteComment       = "devserver.comments.delete"
	opRecipeStates        = "devserver.recipes.state"
	opSetLike             = "devserver.recipes.like"
	opSetSave             = "devserver.recipes.save"
	relatedKindRecipe     = "recipe"
	relatedKindComment    = "comment"
	notificationTitleLike = "New like"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Publisher fans an entity payload out to the subscribers of a topic.
type Publisher interface {
	Publish(topic string, payload any)
}

// ServiceConfig describes a Service.
type ServiceConfig struct {
	Database  *gorm.DB
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service implements the collaborator backend the realtime client talks to.
// Every write is published on the matching topic after it commits.
type Service struct {
	db        *gorm.DB
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = discardPublisher{}
	}
	return &Service{db: cfg.Database, publisher: publisher, clock: clock, logger: logger}, nil
}

type discardPublisher struct{}

func (discardPublisher) Publish(string, any) {}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("devserver service failure", allFields...)
}

// ListNotifications returns a user's feed, most recent first.
func (s *Service) ListNotifications(ctx context.Context, userID string) ([]store.Notification, error) {
	var rows []NotificationRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		s.logError(opListNotifications, "select_failed", err)
		return nil, newServiceError(opListNotifications, "select_failed", err)
	}
	records := make([]store.Notification, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// NotificationInput describes a notification to deliver.
type NotificationInput struct {
	UserID      string `json:"userId"`
	SenderID    string `json:"senderId"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	RelatedKind string `json:"relatedKind"`
	RelatedID   int64  `json:"relatedId"`
}

// CreateNotification stores a notification and pushes it to the recipient.
func (s *Service) CreateNotification(ctx context.Context, input NotificationInput) (store.Notification, error) {
	if strings.TrimSpace(input.UserID) == "" || strings.TrimSpace(input.Title) == "" {
		return store.Notification{}, newServiceError(opCreateNotification, "invalid_input", errInvalidInput)
	}
	row := NotificationRow{
		UserID:      strings.TrimSpace(input.UserID),
		SenderID:    strings.TrimSpace(input.SenderID),
		Title:       strings.TrimSpace(input.Title),
		Message:     input.Message,
		RelatedKind: input.RelatedKind,
		RelatedID:   input.RelatedID,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateNotification, "insert_failed", err)
		return store.Notification{}, newServiceError(opCreateNotification, "insert_failed", err)
	}
	record := row.toRecord()
	s.publisher.Publish(realtime.NotificationsTopic(row.UserID), record)
	return record, nil
}

func (s *Service) userNotification(ctx context.Context, operation, userID string, id int64) (NotificationRow, error) {
	var row NotificationRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotificationRow{}, newServiceError(operation, "not_found", errNotFound)
	}
	if err != nil {
		s.logError(operation, "select_failed", err)
		return NotificationRow{}, newServiceError(operation, "select_failed", err)
	}
	return row, nil
}

// MarkNotificationRead marks one of the user's notifications read.
func (s *Service) MarkNotificationRead(ctx context.Context, userID string, id int64) error {
	row, err := s.userNotification(ctx, opMarkRead, userID, id)
	if err != nil {
		return err
	}
	if row.Read {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&row).Updates(map[string]any{"is_read": true, "is_seen": true}).Error; err != nil {
		s.logError(opMarkRead, "update_failed", err)
		return newServiceError(opMarkRead, "update_failed", err)
	}
	row.Read = true
	row.Seen = true
	s.publisher.Publish(realtime.NotificationsTopic(userID), row.toRecord())
	return nil
}

// MarkAllNotificationsSeen marks the user's whole feed seen.
func (s *Service) MarkAllNotificationsSeen(ctx context.Context, userID string) error {
	var rows []NotificationRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND is_seen = ?", userID, false).Find(&rows).Error; err != nil {
			return err
		}
		return tx.Model(&NotificationRow{}).Where("user_id = ? AND is_seen = ?", userID, false).Update("is_seen", true).Error
	})
	if err != nil {
		s.logError(opMarkAllSeen, "update_failed", err)
		return newServiceError(opMarkAllSeen, "update_failed", err)
	}
	for _, row := range rows {
		row.Seen = true
		s.publisher.Publish(realtime.NotificationsTopic(userID), row.toRecord())
	}
	return nil
}

// DeleteNotification removes one of the user's notifications.
func (s *Service) DeleteNotification(ctx context.Context, userID string, id int64) error {
	row, err := s.userNotification(ctx, opDeleteNotification, userID, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&row).Error; err != nil {
		s.logError(opDeleteNotification, "delete_failed", err)
		return newServiceError(opDeleteNotification, "delete_failed", err)
	}
	s.publisher.Publish(realtime.NotificationsTopic(userID), store.Notification{ID: id, Deleted: true})
	return nil
}

// ClearNotifications removes the user's whole feed.
func (s *Service) ClearNotifications(ctx context.Context, userID string) error {
	var rows []NotificationRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&NotificationRow{}).Error
	})
	if err != nil {
		s.logError(opClearNotifications, "delete_failed", err)
		return newServiceError(opClearNotifications, "delete_failed", err)
	}
	for _, row := range rows {
		s.publisher.Publish(realtime.NotificationsTopic(userID), store.Notification{ID: row.ID, Deleted: true})
	}
	return nil
}

func (s *Service) recipe(ctx context.Context, operation string, recipeID int64) (Recipe, error) {
	var recipe Recipe
	err := s.db.WithContext(ctx).Where("id = ?", recipeID).Take(&recipe).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Recipe{}, newServiceError(operation, "recipe_not_found", errNotFound)
	}
	if err != nil {
		s.logError(operation, "select_failed", err)
		return Recipe{}, newServiceError(operation, "select_failed", err)
	}
	return recipe, nil
}

// ListComments returns the recipe's top-level comments, newest first, each
// with its replies oldest first.
func (s *Service) ListComments(ctx context.Context, recipeID int64) ([]store.Comment, error) {
	if _, err := s.recipe(ctx, opListComments, recipeID); err != nil {
		return nil, err
	}
	var rows []CommentRow
	if err := s.db.WithContext(ctx).Where("recipe_id = ?", recipeID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		s.logError(opListComments, "select_failed", err)
		return nil, newServiceError(opListComments, "select_failed", err)
	}

	replies := make(map[int64][]store.Comment)
	var topLevel []store.Comment
	for _, row := range rows {
		if row.ParentID != nil {
			replies[*row.ParentID] = append(replies[*row.ParentID], row.toRecord())
			continue
		}
		topLevel = append(topLevel, row.toRecord())
	}
	comments := make([]store.Comment, 0, len(topLevel))
	for index := len(topLevel) - 1; index >= 0; index-- {
		comment := topLevel[index]
		comment.Replies = replies[comment.ID]
		comments = append(comments, comment)
	}
	return comments, nil
}

// CreateComment stores a comment or a reply, publishes it on the recipe's
// topic and notifies the recipe owner.
func (s *Service) CreateComment(ctx context.Context, userID string, recipeID int64, content string, parentID *int64) (store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, newServiceError(opCreateComment, "empty_content", errInvalidInput)
	}
	recipe, err := s.recipe(ctx, opCreateComment, recipeID)
	if err != nil {
		return store.Comment{}, err
	}
	if parentID != nil {
		var parent CommentRow
		err := s.db.WithContext(ctx).Where("id = ? AND recipe_id = ?", *parentID, recipeID).Take(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Comment{}, newServiceError(opCreateComment, "parent_not_found", errNotFound)
		}
		if err != nil {
			s.logError(opCreateComment, "select_failed", err)
			return store.Comment{}, newServiceError(opCreateComment, "select_failed", err)
		}
		if parent.ParentID != nil {
			return store.Comment{}, newServiceError(opCreateComment, "nested_reply", errNestedReply)
		}
	}

	row := CommentRow{
		RecipeID:  recipeID,
		AuthorID:  userID,
		ParentID:  parentID,
		Content:   content,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateComment, "insert_failed", err)
		return store.Comment{}, newServiceError(opCreateComment, "insert_failed", err)
	}
	record := row.toRecord()
	s.publisher.Publish(realtime.CommentsTopic(recipeID), record)

	if recipe.OwnerID != userID {
		if _, err := s.CreateNotification(ctx, NotificationInput{
			UserID:      recipe.OwnerID,
			SenderID:    userID,
			Title:       "New comment",
			Message:     fmt.Sprintf("%s commented on %s", userID, recipe.Title),
			RelatedKind: relatedKindComment,
			RelatedID:   row.ID,
		}); err != nil {
			s.logger.Warn("comment notification failed", zap.Int64("comment_id", row.ID), zap.Error(err))
		}
	}
	return record, nil
}

// DeleteComment removes the author's comment together with its replies and
// publishes a tombstone for each.
func (s *Service) DeleteComment(ctx context.Context, userID string, recipeID, commentID int64) error {
	var row CommentRow
	err := s.db.WithContext(ctx).Where("id = ? AND recipe_id = ?", commentID, recipeID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opDeleteComment, "not_found", errNotFound)
	}
	if err != nil {
		s.logError(opDeleteComment, "select_failed", err)
		return newServiceError(opDeleteComment, "select_failed", err)
	}
	if row.AuthorID != userID {
		return newServiceError(opDeleteComment, "forbidden", errForbidden)
	}

	var replies []CommentRow
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("parent_id = ?", commentID).Find(&replies).Error; err != nil {
			return err
		}
		if err := tx.Where("parent_id = ?", commentID).Delete(&CommentRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
	if err != nil {
		s.logError(opDeleteComment, "delete_failed", err)
		return newServiceError(opDeleteComment, "delete_failed", err)
	}

	topic := realtime.CommentsTopic(recipeID)
	for _, reply := range replies {
		s.publisher.Publish(topic, tombstone(reply))
	}
	s.publisher.Publish(topic, tombstone(row))
	return nil
}

func tombstone(row CommentRow) store.Comment {
	record := row.toRecord()
	record.Deleted = true
	record.Content = ""
	return record
}

// RecipeStates returns the like/save state of each known recipe in ids.
func (s *Service) RecipeStates(ctx context.Context, userID string, ids []int64) ([]store.SyncState, error) {
	states := make([]store.SyncState, 0, len(ids))
	for _, id := range ids {
		state, err := s.recipeState(ctx, opRecipeStates, userID, id)
		if err != nil {
			var serviceErr *ServiceError
			if errors.As(err, &serviceErr) && errors.Is(serviceErr, errNotFound) {
				continue
			}
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *Service) recipeState(ctx context.Context, operation, userID string, recipeID int64) (store.SyncState, error) {
	if _, err := s.recipe(ctx, operation, recipeID); err != nil {
		return store.SyncState{}, err
	}
	db := s.db.WithContext(ctx)
	var likeCount, liked, saved int64
	if err := db.Model(&Like{}).Where("recipe_id = ?", recipeID).Count(&likeCount).Error; err != nil {
		return store.SyncState{}, newServiceError(operation, "count_failed", err)
	}
	if err := db.Model(&Like{}).Where("recipe_id = ? AND user_id = ?", recipeID, userID).Count(&liked).Error; err != nil {
		return store.SyncState{}, newServiceError(operation, "count_failed", err)
	}
	if err := db.Model(&Save{}).Where("recipe_id = ? AND user_id = ?", recipeID, userID).Count(&saved).Error; err != nil {
		return store.SyncState{}, newServiceError(operation, "count_failed", err)
	}
	return store.SyncState{
		RecipeID:  recipeID,
		Liked:     liked > 0,
		LikeCount: int(likeCount),
		Saved:     saved > 0,
	}, nil
}

// SetLike likes or unlikes a recipe. A new like notifies the recipe owner.
func (s *Service) SetLike(ctx context.Context, userID string, recipeID int64, liked bool) (store.SyncState, error) {
	recipe, err := s.recipe(ctx, opSetLike, recipeID)
	if err != nil {
		return store.SyncState{}, err
	}
	like := Like{UserID: userID, RecipeID: recipeID}
	db := s.db.WithContext(ctx)
	created := false
	if liked {
		result := db.Where(&like).FirstOrCreate(&like)
		if result.Error != nil {
			s.logError(opSetLike, "insert_failed", result.Error)
			return store.SyncState{}, newServiceError(opSetLike, "insert_failed", result.Error)
		}
		created = result.RowsAffected > 0
	} else if err := db.Where(&like).Delete(&Like{}).Error; err != nil {
		s.logError(opSetLike, "delete_failed", err)
		return store.SyncState{}, newServiceError(opSetLike, "delete_failed", err)
	}

	if created && recipe.OwnerID != userID {
		if _, err := s.CreateNotification(ctx, NotificationInput{
			UserID:      recipe.OwnerID,
			SenderID:    userID,
			Title:       notificationTitleLike,
			Message:     fmt.Sprintf("%s liked %s", userID, recipe.Title),
			RelatedKind: relatedKindRecipe,
			RelatedID:   recipeID,
		}); err != nil {
			s.logger.Warn("like notification failed", zap.Int64("recipe_id", recipeID), zap.Error(err))
		}
	}
	return s.recipeState(ctx, opSetLike, userID, recipeID)
}

// SetSave saves or unsaves a recipe for the user.
func (s *Service) SetSave(ctx context.Context, userID string, recipeID int64, saved bool) (store.SyncState, error) {
	if _, err := s.recipe(ctx, opSetSave, recipeID); err != nil {
		return store.SyncState{}, err
	}
	save := Save{UserID: userID, RecipeID: recipeID}
	db := s.db.WithContext(ctx)
	if saved {
		if err := db.Where(&save).FirstOrCreate(&save).Error; err != nil {
			s.logError(opSetSave, "insert_failed", err)
			return store.SyncState{}, newServiceError(opSetSave, "insert_failed", err)
		}
	} else if err := db.Where(&save).Delete(&Save{}).Error; err != nil {
		s.logError(opSetSave, "delete_failed", err)
		return store.SyncState{}, newServiceError(opSetSave, "delete_failed", err)
	}
	return s.recipeState(ctx, opSetSave, userID, recipeID)
}
