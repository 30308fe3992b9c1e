package app

import (
	"context"

	chatentity "github.com/vadim/atom/internal/domain/chat/entity"
	chatservice "github.com/vadim/atom/internal/domain/chat/service"
	notifentity "github.com/vadim/atom/internal/domain/notification/entity"
	notifservice "github.com/vadim/atom/internal/domain/notification/service"
	postentity "github.com/vadim/atom/internal/domain/post/entity"
	postservice "github.com/vadim/atom/internal/domain/post/service"
	profileservice "github.com/vadim/atom/internal/domain/profile/service"
	"github.com/vadim/atom/internal/storage"
)

// imageUploader is the storage operation the adapters need
type imageUploader interface {
	UploadImage(ctx context.Context, in storage.UploadInput) (*storage.ImageOutput, error)
}

// messageImageAdapter adapts storage to chatservice.ImageStore
type messageImageAdapter struct {
	storage imageUploader
}

func (a *messageImageAdapter) StoreImage(ctx context.Context, in chatservice.ImageUpload) (*chatentity.Image, error) {
	out, err := a.storage.UploadImage(ctx, storage.UploadInput{
		Reader:      in.Reader,
		ContentType: in.ContentType,
		Size:        in.Size,
		Filename:    in.Filename,
		Prefix:      "messages",
	})
	if err != nil {
		return nil, err
	}
	return &chatentity.Image{URL: out.URL, Width: out.Width, Height: out.Height}, nil
}

// postImageAdapter adapts storage to postservice.ImageUploader
type postImageAdapter struct {
	storage imageUploader
}

func (a *postImageAdapter) UploadPostImage(ctx context.Context, in postservice.ImageUpload) (string, error) {
	out, err := a.storage.UploadImage(ctx, storage.UploadInput{
		Reader:      in.Reader,
		ContentType: in.ContentType,
		Size:        in.Size,
		Filename:    in.Filename,
		Prefix:      "posts",
	})
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

// avatarAdapter adapts storage to profileservice.AvatarStore
type avatarAdapter struct {
	storage imageUploader
}

func (a *avatarAdapter) StoreAvatar(ctx context.Context, userID string, in profileservice.AvatarUpload) (string, error) {
	out, err := a.storage.UploadImage(ctx, storage.UploadInput{
		Reader:      in.Reader,
		ContentType: in.ContentType,
		Size:        in.Size,
		Filename:    in.Filename,
		Prefix:      "avatars/" + userID,
	})
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

// fanOuter is the notification operation a new post triggers
type fanOuter interface {
	FanOut(ctx context.Context, in notifservice.FanOutInput) ([]notifentity.Notification, error)
}

// followerNotifier adapts the notification service to postservice.Notifier
type followerNotifier struct {
	notifications fanOuter
}

func (n *followerNotifier) NotifyFollowers(ctx context.Context, post *postentity.Post) error {
	_, err := n.notifications.FanOut(ctx, notifservice.FanOutInput{
		AuthorID: post.Author.ID,
		PostID:   post.ID,
		PostDate: post.CreatedAt,
		PostText: post.Text,
		Author: notifentity.UserData{
			AvatarURL:   post.Author.AvatarURL,
			DisplayName: post.Author.DisplayName,
			Username:    post.Author.Username,
		},
	})
	return err
}
