package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-relay/internal/models"
	"chat-relay/internal/moderation"
	"chat-relay/internal/upload"
)

type ModerationSourceMock struct {
	mock.Mock
}

func (m *ModerationSourceMock) Fetch(ctx context.Context) (moderation.Roster, error) {
	args := m.Called(ctx)
	var roster moderation.Roster
	if val := args.Get(0); val != nil {
		roster = val.(moderation.Roster)
	}
	return roster, args.Error(1)
}

type SinkMock struct {
	mock.Mock
}

func (m *SinkMock) WriteBatch(ctx context.Context, entries []models.ArchiveEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

type GrantIssuerMock struct {
	mock.Mock
}

func (m *GrantIssuerMock) RequestUploadGrant(ctx context.Context, fileName string) (upload.Grant, error) {
	args := m.Called(ctx, fileName)
	var grant upload.Grant
	if val := args.Get(0); val != nil {
		grant = val.(upload.Grant)
	}
	return grant, args.Error(1)
}

type ModeratorMock struct {
	mock.Mock
}

func (m *ModeratorMock) IsBlocked(text string) bool {
	args := m.Called(text)
	return args.Bool(0)
}

func (m *ModeratorMock) MuteStatus(userID string) moderation.MuteStatus {
	args := m.Called(userID)
	var status moderation.MuteStatus
	if val := args.Get(0); val != nil {
		status = val.(moderation.MuteStatus)
	}
	return status
}

type ArchiverMock struct {
	mock.Mock
}

func (m *ArchiverMock) Enqueue(entry models.ArchiveEntry) {
	m.Called(entry)
}
