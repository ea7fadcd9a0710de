package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/jobs"
	"github.com/timmy/surveyflow/internal/repository"
)

type nopPublisher struct{ topics []string }

func (p *nopPublisher) Publish(_ context.Context, topic string, _, _ []byte, _ map[string]string) error {
	p.topics = append(p.topics, topic)
	return nil
}

func TestRunStatus(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	require.NoError(t, store.Create(context.Background(), domain.NewExportJob("J1", "S1", "", time.Now())))

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), []string{"-job", "J1"}, store, &out))

	var job domain.ExportJob
	require.NoError(t, json.Unmarshal(out.Bytes(), &job))
	assert.Equal(t, "J1", job.ID)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	assert.Error(t, runStatus(context.Background(), nil, store, &out))
	assert.ErrorIs(t, runStatus(context.Background(), []string{"-job", "nope"}, store, &out), repository.ErrNotFound)
}

func TestRunRequestAndRetrigger(t *testing.T) {
	store := repository.NewMemoryExportJobRepository()
	pub := &nopPublisher{}
	newProducer := func() *jobs.Producer {
		return jobs.NewProducer(store, pub, jobs.ProducerConfig{Topic: "export-jobs"}, nil)
	}

	var out bytes.Buffer
	err := runRequest(context.Background(), []string{"-survey", "11111111-1111-1111-1111-111111111111"}, newProducer, &out)
	require.NoError(t, err)

	var job domain.ExportJob
	require.NoError(t, json.Unmarshal(out.Bytes(), &job))
	assert.Equal(t, domain.JobStatusPending, job.Status)

	require.NoError(t, runRetrigger(context.Background(), []string{"-job", job.ID}, store, newProducer))
	assert.Equal(t, []string{"export-jobs", "export-jobs"}, pub.topics)

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, stored.MarkProcessing(time.Now()))
	require.NoError(t, store.CompareAndSwap(context.Background(), stored, domain.JobStatusPending))
	assert.Error(t, runRetrigger(context.Background(), []string{"-job", job.ID}, store, newProducer))
}
