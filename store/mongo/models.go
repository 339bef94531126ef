package mongo

import (
	"encoding/json"
	"time"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

// taskDoc is the persisted shape of a task. Field names match the Task JSON
// names, except that the id is stored as _id, so operators see the same
// vocabulary in both stores.
type taskDoc struct {
	ID               string        `bson:"_id"`
	QueueName        string        `bson:"queueName"`
	TaskName         string        `bson:"taskName,omitempty"`
	Data             []byte        `bson:"data,omitempty"`
	Status           string        `bson:"status"`
	Attempts         int           `bson:"attempts"`
	MaxAttempts      int           `bson:"maxAttempts"`
	CreatedAt        int64         `bson:"createdAt"`
	UpdatedAt        int64         `bson:"updatedAt"`
	ActiveAt         int64         `bson:"activeAt,omitempty"`
	CompletedAt      int64         `bson:"completedAt,omitempty"`
	FailedAt         int64         `bson:"failedAt,omitempty"`
	ScheduledFor     int64         `bson:"scheduledFor,omitempty"`
	Result           []byte        `bson:"result,omitempty"`
	Error            *taskErrorDoc `bson:"error,omitempty"`
	Progress         *progressDoc  `bson:"progress,omitempty"`
	Chain            *chainDoc     `bson:"chain,omitempty"`
	UniquenessKey    string        `bson:"uniquenessKey,omitempty"`
	Priority         int           `bson:"priority,omitempty"`
	RemoveOnComplete bool          `bson:"removeOnComplete,omitempty"`
	RemoveOnFail     bool          `bson:"removeOnFail,omitempty"`
}

type taskErrorDoc struct {
	Message   string `bson:"message"`
	Stack     string `bson:"stack,omitempty"`
	Timestamp int64  `bson:"timestamp"`
}

type progressDoc struct {
	Percentage int    `bson:"percentage"`
	Data       []byte `bson:"data,omitempty"`
}

type chainDoc struct {
	ID              string `bson:"id"`
	Index           int    `bson:"index"`
	Total           int    `bson:"total"`
	WaitForPrevious bool   `bson:"waitForPrevious,omitempty"`
}

// lockDoc is one uniqueness lease; _id is the user key so acquisition can ride
// on the unique _id index.
type lockDoc struct {
	ID        string    `bson:"_id"`
	TaskID    string    `bson:"taskId"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// rateDoc is one fixed rate-limit window; resetTime carries the TTL index.
type rateDoc struct {
	ID        string    `bson:"_id"`
	Count     int64     `bson:"count"`
	ResetTime time.Time `bson:"resetTime"`
}

func toTaskDoc(t *ctmq.Task) *taskDoc {
	d := &taskDoc{
		ID:               t.ID,
		QueueName:        t.QueueName,
		TaskName:         t.TaskName,
		Data:             t.Data,
		Status:           string(t.Status),
		Attempts:         t.Attempts,
		MaxAttempts:      t.MaxAttempts,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		ActiveAt:         t.ActiveAt,
		CompletedAt:      t.CompletedAt,
		FailedAt:         t.FailedAt,
		ScheduledFor:     t.ScheduledFor,
		Result:           t.Result,
		UniquenessKey:    t.UniquenessKey,
		Priority:         t.Priority,
		RemoveOnComplete: t.RemoveOnComplete,
		RemoveOnFail:     t.RemoveOnFail,
	}
	if t.Error != nil {
		d.Error = &taskErrorDoc{Message: t.Error.Message, Stack: t.Error.Stack, Timestamp: t.Error.Timestamp}
	}
	if t.Progress != nil {
		d.Progress = &progressDoc{Percentage: t.Progress.Percentage, Data: t.Progress.Data}
	}
	if t.Chain != nil {
		d.Chain = &chainDoc{
			ID:              t.Chain.ID,
			Index:           t.Chain.Index,
			Total:           t.Chain.Total,
			WaitForPrevious: t.Chain.WaitForPrevious,
		}
	}
	return d
}

func fromTaskDoc(d *taskDoc) (*ctmq.Task, error) {
	status, err := ctmq.ParseStatus(d.Status)
	if err != nil {
		return nil, err
	}
	t := &ctmq.Task{
		ID:               d.ID,
		QueueName:        d.QueueName,
		TaskName:         d.TaskName,
		Data:             json.RawMessage(d.Data),
		Status:           status,
		Attempts:         d.Attempts,
		MaxAttempts:      d.MaxAttempts,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		ActiveAt:         d.ActiveAt,
		CompletedAt:      d.CompletedAt,
		FailedAt:         d.FailedAt,
		ScheduledFor:     d.ScheduledFor,
		Result:           json.RawMessage(d.Result),
		UniquenessKey:    d.UniquenessKey,
		Priority:         d.Priority,
		RemoveOnComplete: d.RemoveOnComplete,
		RemoveOnFail:     d.RemoveOnFail,
	}
	if d.Error != nil {
		t.Error = &ctmq.TaskError{Message: d.Error.Message, Stack: d.Error.Stack, Timestamp: d.Error.Timestamp}
	}
	if d.Progress != nil {
		t.Progress = &ctmq.TaskProgress{Percentage: d.Progress.Percentage, Data: d.Progress.Data}
	}
	if d.Chain != nil {
		t.Chain = &ctmq.ChainInfo{
			ID:              d.Chain.ID,
			Index:           d.Chain.Index,
			Total:           d.Chain.Total,
			WaitForPrevious: d.Chain.WaitForPrevious,
		}
	}
	return t, nil
}
