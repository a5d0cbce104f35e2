package realtime

import (
	"fmt"
	"strconv"
	"strings"
)

// Family is the entity family a topic carries.
type Family string

const (
	FamilyNotifications Family = "notifications"
	FamilyComments      Family = "comments"
)

// NotificationsTopic returns the per-user notification stream topic.
func NotificationsTopic(userID string) string {
	return string(FamilyNotifications) + "/" + strings.TrimSpace(userID)
}

// CommentsTopic returns the per-recipe comment stream topic.
func CommentsTopic(recipeID int64) string {
	return string(FamilyComments) + "/" + strconv.FormatInt(recipeID, 10)
}

// ParseTopic splits a topic into its family and key.
func ParseTopic(topic string) (Family, string, error) {
	family, key, found := strings.Cut(strings.TrimSpace(topic), "/")
	if !found || family == "" || key == "" || strings.Contains(key, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	switch Family(family) {
	case FamilyNotifications, FamilyComments:
		return Family(family), key, nil
	default:
		return "", "", fmt.Errorf("%w: unknown family %q", ErrInvalidTopic, family)
	}
}

// ParseRecipeID extracts the recipe id of a comments topic.
func ParseRecipeID(topic string) (int64, error) {
	family, key, err := ParseTopic(topic)
	if err != nil {
		return 0, err
	}
	if family != FamilyComments {
		return 0, fmt.Errorf("%w: %q is not a comments topic", ErrInvalidTopic, topic)
	}
	recipeID, err := strconv.ParseInt(key, 10, 64)
	if err != nil || recipeID <= 0 {
		return 0, fmt.Errorf("%w: invalid recipe id %q", ErrInvalidTopic, key)
	}
	return recipeID, nil
}
