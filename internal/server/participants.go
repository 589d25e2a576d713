package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"owleval/internal/engine"
	"owleval/internal/screening"
)

type participantPath struct {
	ID string `path:"id"`
}

type participantBody struct {
	Body ParticipantResponse `json:"body"`
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/experiments/{ref}/participants",
		Summary:     "List participants with validity and submission counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		experimentPath
		ValidOnly        bool `query:"valid_only"`
		IncludeAnonymous bool `query:"include_anonymous"`
	}) (*struct {
		Body []ParticipantResponse `json:"body"`
	}, error) {
		items, err := e.ListParticipants(ctx, input.Ref, filterOptions(e, input.IncludeAnonymous), input.ValidOnly)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ParticipantResponse, 0, len(items))
		for _, p := range items {
			out = append(out, participantSummaryResponse(p))
		}
		return &struct {
			Body []ParticipantResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/experiments/{ref}/participants",
		Summary:     "Start or resume a participant session",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body StartSessionRequest `json:"body"`
	}) (*participantBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.StartSession(ctx, engine.StartSessionOptions{
			Experiment: input.Ref,
			ProlificID: input.Body.ProlificID,
			StudyID:    input.Body.StudyID,
			SessionID:  input.Body.SessionID,
			ActorID:    actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &participantBody{Body: participantResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-screening",
		Method:      http.MethodPost,
		Path:        "/participants/{id}/screening",
		Summary:     "Grade and store a participant's screening answers",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		participantPath
		Body ScreeningRequest `json:"body"`
	}) (*struct {
		Body screening.Result `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordScreening(ctx, input.ID, input.Body.Mode, input.Body.Answers, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body screening.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/participants/{id}/complete",
		Summary:     "Finish a participant's session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *participantPath) (*struct {
		Body CompletionResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CompleteSession(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletionResponse `json:"body"`
		}{Body: CompletionResponse{
			Participant:    participantResponse(c.Participant),
			CompletionCode: c.CompletionCode,
			RedirectURL:    c.RedirectURL,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-submission",
		Method:        http.MethodPost,
		Path:          "/submissions",
		Summary:       "Record an evaluation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmissionRequest `json:"body"`
	}) (*struct {
		Body engine.SubmissionReceipt `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordSubmission(ctx, engine.SubmissionInput{
			ParticipantID:         input.Body.ParticipantID,
			TaskID:                input.Body.TaskID,
			Winners:               input.Body.Winners,
			Ratings:               input.Body.Ratings,
			CompletionTimeSeconds: input.Body.CompletionTimeSeconds,
			Draft:                 input.Body.Draft,
			ActorID:               actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SubmissionReceipt `json:"body"`
		}{Body: rec}, nil
	})
}

func registerScreening(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "screening-tasks",
		Method:      http.MethodGet,
		Path:        "/screening",
		Summary:     "The screening answer key in use",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScreeningTasksResponse `json:"body"`
	}, error) {
		cfg := e.Screening().Config
		return &struct {
			Body ScreeningTasksResponse `json:"body"`
		}{Body: ScreeningTasksResponse{
			Version:         cfg.Version,
			PassThreshold:   cfg.PassThreshold,
			VideoTasks:      nonNilSlice(cfg.VideoTasks),
			ComparisonTasks: nonNilSlice(cfg.ComparisonTasks),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-screening",
		Method:      http.MethodPost,
		Path:        "/screening/validate",
		Summary:     "Grade screening answers without storing them",
	}, func(ctx context.Context, input *struct {
		Body ScreeningRequest `json:"body"`
	}) (*struct {
		Body screening.Result `json:"body"`
	}, error) {
		return &struct {
			Body screening.Result `json:"body"`
		}{Body: e.Screening().Validate(input.Body.Mode, input.Body.Answers)}, nil
	})
}
