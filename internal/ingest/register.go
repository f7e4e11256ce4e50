package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/SearchIngest/internal/jobs"
	"github.com/BTreeMap/SearchIngest/internal/updates"
)

// Register adds every ingest job kind and update kind to the registries.
func Register(jobReg *jobs.Registry, updateReg *updates.Registry, deps *Deps) {
	jobReg.Register(KindPostingIngest, func(parameters, state json.RawMessage) (jobs.Job, error) {
		j := &PostingIngestJob{deps: deps}
		return j, j.Decode(parameters, state)
	})
	jobReg.Register(KindCommentIngest, func(parameters, state json.RawMessage) (jobs.Job, error) {
		j := &CommentIngestJob{deps: deps}
		return j, j.Decode(parameters, state)
	})
	jobReg.Register(KindCommentDelete, func(parameters, state json.RawMessage) (jobs.Job, error) {
		j := &CommentDeleteJob{deps: deps}
		return j, j.Decode(parameters, state)
	})
	jobReg.Register(KindCommentsScan, func(parameters, state json.RawMessage) (jobs.Job, error) {
		j := &CommentsScanJob{deps: deps}
		return j, j.Decode(parameters, state)
	})

	updateReg.Register(UpdatePostingAdded, func(parameters json.RawMessage) (updates.Update, error) {
		u := &PostingAddedUpdate{}
		return u, decodePosting(parameters, &u.Params)
	})
	updateReg.Register(UpdateCommentAdded, func(parameters json.RawMessage) (updates.Update, error) {
		u := &CommentAddedUpdate{}
		return u, decodeComment(parameters, &u.Params)
	})
	updateReg.Register(UpdateCommentDeleted, func(parameters json.RawMessage) (updates.Update, error) {
		u := &CommentDeletedUpdate{}
		return u, decodeComment(parameters, &u.Params)
	})
	updateReg.Register(UpdateCommentsScan, func(parameters json.RawMessage) (updates.Update, error) {
		u := &CommentsScanUpdate{}
		return u, decodePosting(parameters, &u.Params)
	})
}

func decodePosting(data json.RawMessage, p *PostingParams) error {
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("decode posting parameters: %w", err)
	}
	if p.Node == "" || p.PostingID == "" {
		return fmt.Errorf("node and postingId are required")
	}
	return nil
}

func decodeComment(data json.RawMessage, p *CommentParams) error {
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("decode comment parameters: %w", err)
	}
	if p.Node == "" || p.PostingID == "" || p.CommentID == "" {
		return fmt.Errorf("node, postingId and commentId are required")
	}
	return nil
}
