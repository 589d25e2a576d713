package server

import (
	"context"
	"io"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"owleval/internal/engine"
	"owleval/internal/prolific"
)

var prolificErrors = []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusServiceUnavailable}

type studyBody struct {
	Body StudyResponse `json:"body"`
}

func studyResponse(study prolific.Study, exp *ExperimentResponse) *studyBody {
	return &studyBody{Body: StudyResponse{Study: study, Experiment: exp}}
}

func registerProlific(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-study",
		Method:        http.MethodPost,
		Path:          "/experiments/{ref}/prolific/study",
		Summary:       "Create a Prolific study for an experiment and link it",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusBadRequest}, prolificErrors...),
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body CreateStudyRequest `json:"body"`
	}) (*studyBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		study, exp, err := e.CreateStudy(ctx, engine.CreateStudyOptions{
			Experiment:          input.Ref,
			Name:                input.Body.Name,
			Description:         input.Body.Description,
			Participants:        input.Body.Participants,
			TasksPerParticipant: input.Body.TasksPerParticipant,
			Reward:              input.Body.Reward,
			Devices:             input.Body.Devices,
			ActorID:             actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := experimentResponse(exp)
		return studyResponse(study, &resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-study",
		Method:      http.MethodGet,
		Path:        "/experiments/{ref}/prolific/study",
		Summary:     "Fetch the linked Prolific study",
		Errors:      prolificErrors,
	}, func(ctx context.Context, input *experimentPath) (*studyBody, error) {
		study, err := e.StudyStatus(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return studyResponse(study, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-study",
		Method:      http.MethodPost,
		Path:        "/experiments/{ref}/prolific/link",
		Summary:     "Link an existing Prolific study",
		Errors:      prolificErrors,
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body LinkStudyRequest `json:"body"`
	}) (*experimentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exp, err := e.LinkProlificStudy(ctx, input.Ref, input.Body.StudyID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &experimentBody{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-study",
		Method:      http.MethodPost,
		Path:        "/experiments/{ref}/prolific/transition",
		Summary:     "Publish, pause, start or stop the linked study",
		Errors:      prolificErrors,
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body StudyTransitionRequest `json:"body"`
	}) (*studyBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		study, exp, err := e.TransitionStudy(ctx, input.Ref, input.Body.Action, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := experimentResponse(exp)
		return studyResponse(study, &resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-study",
		Method:      http.MethodPost,
		Path:        "/experiments/{ref}/prolific/sync",
		Summary:     "Pull the linked study's submissions into participants",
		Errors:      prolificErrors,
	}, func(ctx context.Context, input *experimentPath) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.SyncExperiment(ctx, input.Ref, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: syncResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-study",
		Method:      http.MethodPost,
		Path:        "/experiments/{ref}/prolific/review",
		Summary:     "Approve or reject submissions awaiting review",
		Errors:      prolificErrors,
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body prolific.ReviewReport `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.ReviewStudy(ctx, input.Ref, input.Body.DryRun, actor)
		if err != nil {
			return nil, handleError(err)
		}
		report.Items = nonNilSlice(report.Items)
		return &struct {
			Body prolific.ReviewReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-study",
		Method:      http.MethodGet,
		Path:        "/experiments/{ref}/prolific/export",
		Summary:     "Snapshot of the linked study and its submissions",
		Errors:      prolificErrors,
	}, func(ctx context.Context, input *experimentPath) (*struct {
		Body prolific.Export `json:"body"`
	}, error) {
		out, err := e.ExportStudy(ctx, input.Ref, io.Discard)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body prolific.Export `json:"body"`
		}{Body: out}, nil
	})
}
