package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/trellis-data/labflow/internal/core"
)

var _ core.MemoryStore = (*MemoryStore)(nil)

func testDocument(requestID string) *core.LaboratoryMemoryDocument {
	return &core.LaboratoryMemoryDocument{
		Envelope: core.MemoryEnvelope{
			RequestID:  requestID,
			SequenceID: "seq-1",
			Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Scope:      core.ExecutionContext{ClientName: "acme", AppName: "sales", ProjectName: "q3"},
		},
		WorkflowState: core.MemoryWorkflow{
			Status:       core.StatusCompleted,
			GoalAchieved: true,
			Steps: []core.MemoryStep{{
				StepNumber: 1,
				AtomID:     core.AtomMerge,
				Attempt:    1,
				Inputs:     []string{"a.csv", "b.csv"},
				Outcome:    core.OutcomeSucceeded,
			}},
		},
		BusinessGoals: core.BusinessGoals{Intent: "merge a and b"},
	}
}

func TestMemoryStore_SaveDocument(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upserts by request id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
		))
		store := NewMemoryStore(mt.Coll)

		err := store.SaveDocument(context.Background(), testDocument("req-1"))
		require.NoError(mt, err)
	})

	mt.Run("requires a request id", func(mt *mtest.T) {
		store := NewMemoryStore(mt.Coll)
		err := store.SaveDocument(context.Background(), testDocument(""))
		assert.True(mt, core.IsCategory(err, core.ErrCatValidation))
	})

	mt.Run("write error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key",
		}))
		store := NewMemoryStore(mt.Coll)

		err := store.SaveDocument(context.Background(), testDocument("req-1"))
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "saving memory document")
	})
}

func TestMemoryStore_History(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("decodes documents", func(mt *mtest.T) {
		first := mtest.CreateCursorResponse(1, "labflow.laboratory_memory", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "req-2"},
			{Key: "envelope", Value: bson.D{
				{Key: "request_id", Value: "req-2"},
				{Key: "sequence_id", Value: "seq-1"},
			}},
			{Key: "workflow_state", Value: bson.D{
				{Key: "status", Value: "completed"},
				{Key: "goal_achieved", Value: true},
			}},
		})
		end := mtest.CreateCursorResponse(0, "labflow.laboratory_memory", mtest.NextBatch)
		mt.AddMockResponses(first, end)

		store := NewMemoryStore(mt.Coll)
		docs, err := store.History(context.Background(), "seq-1", 10)
		require.NoError(mt, err)
		require.Len(mt, docs, 1)
		assert.Equal(mt, "req-2", docs[0].Envelope.RequestID)
		assert.Equal(mt, core.StatusCompleted, docs[0].WorkflowState.Status)
		assert.True(mt, docs[0].WorkflowState.GoalAchieved)
	})

	mt.Run("command error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Message: "bad query",
			Name:    "BadValue",
		}))
		store := NewMemoryStore(mt.Coll)
		_, err := store.History(context.Background(), "seq-1", 0)
		assert.Error(mt, err)
	})
}

func TestOpen_RequiresURI(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}
