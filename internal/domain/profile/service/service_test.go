package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/atom/internal/domain/profile/entity"
)

type memGraph struct {
	profiles  map[string]entity.Profile // by id
	follows   map[string]bool           // "follower|followed"
	blocks    map[string]bool           // "user|blocked"
	followErr error
}

func newMemGraph(ids ...string) *memGraph {
	g := &memGraph{
		profiles: make(map[string]entity.Profile),
		follows:  make(map[string]bool),
		blocks:   make(map[string]bool),
	}
	for _, id := range ids {
		g.profiles[id] = entity.Profile{ID: id, Username: "@" + id}
	}
	return g
}

func (g *memGraph) view(viewerID, id string) *entity.Profile {
	base, ok := g.profiles[id]
	if !ok {
		return nil
	}
	p := base
	p.HasFollowed = g.follows[viewerID+"|"+id]
	p.HasBlocked = g.blocks[viewerID+"|"+id]
	p.IsBlocked = g.blocks[id+"|"+viewerID]
	for k, on := range g.follows {
		if on && strings.HasSuffix(k, "|"+id) {
			p.Followers++
		}
	}
	return &p
}

func (g *memGraph) GetByUsername(_ context.Context, viewerID, username string) (*entity.Profile, error) {
	for id, p := range g.profiles {
		if p.Username == username {
			return g.view(viewerID, id), nil
		}
	}
	return nil, nil
}

func (g *memGraph) GetByID(_ context.Context, viewerID, id string) (*entity.Profile, error) {
	return g.view(viewerID, id), nil
}

func (g *memGraph) Create(_ context.Context, id string, in entity.CreateInput) error {
	if _, ok := g.profiles[id]; ok {
		return entity.ErrProfileExists
	}
	for _, p := range g.profiles {
		if p.Username == in.Username {
			return entity.ErrUsernameTaken
		}
	}
	g.profiles[id] = entity.Profile{ID: id, Username: in.Username, DisplayName: in.DisplayName, Description: in.Description}
	return nil
}

func (g *memGraph) Update(_ context.Context, id string, f entity.UpdateFields) error {
	p, ok := g.profiles[id]
	if !ok {
		return entity.ErrProfileNotFound
	}
	if f.Username != nil {
		p.Username = *f.Username
	}
	if f.DisplayName != nil {
		p.DisplayName = *f.DisplayName
	}
	if f.Description != nil {
		p.Description = *f.Description
	}
	if f.AvatarURL != nil {
		p.AvatarURL = *f.AvatarURL
	}
	g.profiles[id] = p
	return nil
}

func (g *memGraph) Search(_ context.Context, viewerID, query string, limit, offset int) ([]entity.Profile, error) {
	var out []entity.Profile
	for id, p := range g.profiles {
		if g.blocks[viewerID+"|"+id] || g.blocks[id+"|"+viewerID] {
			continue
		}
		if strings.Contains(strings.ToLower(p.Username), strings.ToLower(query)) ||
			strings.Contains(strings.ToLower(p.DisplayName), strings.ToLower(query)) {
			out = append(out, *g.view(viewerID, id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *memGraph) Follow(_ context.Context, followerID, followedID string) error {
	if g.followErr != nil {
		return g.followErr
	}
	g.follows[followerID+"|"+followedID] = true
	return nil
}

func (g *memGraph) Unfollow(_ context.Context, followerID, followedID string) error {
	delete(g.follows, followerID+"|"+followedID)
	return nil
}

func (g *memGraph) Block(_ context.Context, userID, blockedID string) error {
	g.blocks[userID+"|"+blockedID] = true
	delete(g.follows, userID+"|"+blockedID)
	delete(g.follows, blockedID+"|"+userID)
	return nil
}

func (g *memGraph) Unblock(_ context.Context, userID, blockedID string) error {
	delete(g.blocks, userID+"|"+blockedID)
	return nil
}

type fakeAvatars struct {
	uploads []AvatarUpload
	err     error
}

func (f *fakeAvatars) StoreAvatar(_ context.Context, userID string, in AvatarUpload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, in)
	return "https://cdn/avatars/" + userID + "/" + in.Filename, nil
}

func newTestService(g *memGraph) *Service {
	return New(g, &fakeAvatars{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFollowAndUnfollow(t *testing.T) {
	g := newMemGraph("ann", "bob")
	svc := newTestService(g)
	ctx := context.Background()

	require.NoError(t, svc.Follow(ctx, "ann", "bob"))
	p, err := svc.GetByUsername(ctx, "ann", "@bob")
	require.NoError(t, err)
	assert.True(t, p.HasFollowed)
	assert.Equal(t, int64(1), p.Followers)

	require.NoError(t, svc.Unfollow(ctx, "ann", "bob"))
	p, err = svc.GetByUsername(ctx, "ann", "@bob")
	require.NoError(t, err)
	assert.False(t, p.HasFollowed)
}

func TestFollow_Refusals(t *testing.T) {
	g := newMemGraph("ann", "bob")
	svc := newTestService(g)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Follow(ctx, "ann", "ann"), entity.ErrSelfRelation)
	assert.ErrorIs(t, svc.Follow(ctx, "ann", "zed"), entity.ErrProfileNotFound)

	g.blocks["bob|ann"] = true
	assert.ErrorIs(t, svc.Follow(ctx, "ann", "bob"), entity.ErrBlocked)
	assert.False(t, g.follows["ann|bob"])
}

func TestBlock_DropsFollowsBothWays(t *testing.T) {
	g := newMemGraph("ann", "bob")
	svc := newTestService(g)
	ctx := context.Background()

	require.NoError(t, svc.Follow(ctx, "ann", "bob"))
	require.NoError(t, svc.Follow(ctx, "bob", "ann"))
	require.NoError(t, svc.Block(ctx, "ann", "bob"))

	assert.False(t, g.follows["ann|bob"])
	assert.False(t, g.follows["bob|ann"])

	p, err := svc.GetByUsername(ctx, "bob", "@ann")
	require.NoError(t, err)
	assert.True(t, p.IsBlocked)

	require.NoError(t, svc.Unblock(ctx, "ann", "bob"))
	require.NoError(t, svc.Follow(ctx, "bob", "ann"))
}

func TestGetByUsername_NotFound(t *testing.T) {
	svc := newTestService(newMemGraph())
	_, err := svc.GetByUsername(context.Background(), "", "@ghost")
	assert.ErrorIs(t, err, entity.ErrProfileNotFound)
}

func TestCreate(t *testing.T) {
	g := newMemGraph("ann")
	svc := newTestService(g)
	ctx := context.Background()

	p, err := svc.Create(ctx, "bob", entity.CreateInput{Username: "  bob_b ", Description: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "bob", p.ID)
	assert.Equal(t, "bob_b", p.Username)
	assert.Equal(t, "bob_b", p.DisplayName, "display name defaults to the username")
	assert.Equal(t, "hello", p.Description)

	_, err = svc.Create(ctx, "bob", entity.CreateInput{Username: "other"})
	assert.ErrorIs(t, err, entity.ErrProfileExists)

	_, err = svc.Create(ctx, "cat", entity.CreateInput{Username: "bob_b"})
	assert.ErrorIs(t, err, entity.ErrUsernameTaken)
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(newMemGraph())
	ctx := context.Background()

	cases := []entity.CreateInput{
		{Username: "ab"},
		{Username: "has space"},
		{Username: strings.Repeat("a", 31)},
		{Username: "fine", DisplayName: strings.Repeat("x", entity.MaxDisplayNameLength+1)},
		{Username: "fine", Description: strings.Repeat("x", entity.MaxDescriptionLength+1)},
	}
	for _, in := range cases {
		_, err := svc.Create(ctx, "u1", in)
		assert.ErrorIs(t, err, entity.ErrInvalidProfile, in.Username)
	}
}

func TestUpdate_FieldsAndAvatar(t *testing.T) {
	g := newMemGraph("ann")
	avatars := &fakeAvatars{}
	svc := New(g, avatars, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	desc := " new bio "
	p, err := svc.Update(ctx, "ann", UpdateInput{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "new bio", p.Description)
	assert.Equal(t, "@ann", p.Username)
	assert.Empty(t, avatars.uploads)

	p, err = svc.Update(ctx, "ann", UpdateInput{Avatar: &AvatarUpload{Reader: strings.NewReader("png"), Filename: "me.png"}})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/avatars/ann/me.png", p.AvatarURL)
	assert.Equal(t, "new bio", p.Description)
	require.Len(t, avatars.uploads, 1)
}

func TestUpdate_Refusals(t *testing.T) {
	g := newMemGraph("ann", "bob")
	avatars := &fakeAvatars{}
	svc := New(g, avatars, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := svc.Update(ctx, "ann", UpdateInput{})
	assert.ErrorIs(t, err, entity.ErrInvalidProfile)

	bad := "x y"
	_, err = svc.Update(ctx, "ann", UpdateInput{Username: &bad, Avatar: &AvatarUpload{Reader: strings.NewReader("png")}})
	assert.ErrorIs(t, err, entity.ErrInvalidProfile)
	assert.Empty(t, avatars.uploads, "invalid fields are rejected before the avatar is stored")

	name := "ghost_g"
	_, err = svc.Update(ctx, "ghost", UpdateInput{Username: &name})
	assert.ErrorIs(t, err, entity.ErrProfileNotFound)

	avatars.err = errors.New("s3 down")
	_, err = svc.Update(ctx, "ann", UpdateInput{Avatar: &AvatarUpload{Reader: strings.NewReader("png")}})
	assert.ErrorContains(t, err, "s3 down")
	assert.Empty(t, g.profiles["ann"].AvatarURL)
}

func TestSearch(t *testing.T) {
	g := newMemGraph()
	g.profiles["a"] = entity.Profile{ID: "a", Username: "anna", DisplayName: "Anna K"}
	g.profiles["b"] = entity.Profile{ID: "b", Username: "bob", DisplayName: "Bobby Ann"}
	g.profiles["c"] = entity.Profile{ID: "c", Username: "carl", DisplayName: "Carl"}
	g.profiles["d"] = entity.Profile{ID: "d", Username: "annette"}
	g.blocks["d|me"] = true
	svc := newTestService(g)
	ctx := context.Background()

	got, err := svc.Search(ctx, "me", "  ann ", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "anna", got[0].Username)
	assert.Equal(t, "bob", got[1].Username)

	got, err = svc.Search(ctx, "", "ann", 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "annette", got[0].Username)

	_, err = svc.Search(ctx, "me", "   ", 10, 0)
	assert.ErrorIs(t, err, entity.ErrInvalidProfile)
}
