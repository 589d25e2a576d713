package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"owleval/internal/domain"
	"owleval/internal/engine"
	"owleval/internal/progress"
	"owleval/internal/repo"
)

type experimentPath struct {
	Ref string `path:"ref" doc:"Experiment id or slug"`
}

type experimentBody struct {
	Body ExperimentResponse `json:"body"`
}

func registerExperiments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-experiments",
		Method:      http.MethodGet,
		Path:        "/experiments",
		Summary:     "List experiments",
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"draft,ready,active,paused,completed"`
		IncludeArchived bool   `query:"include_archived"`
		ArchivedOnly    bool   `query:"archived_only"`
		ProlificOnly    bool   `query:"prolific_only"`
	}) (*struct {
		Body []ExperimentResponse `json:"body"`
	}, error) {
		items, err := e.ListExperiments(ctx, repo.ExperimentFilter{
			Status:          domain.ExperimentStatus(input.Status),
			IncludeArchived: input.IncludeArchived,
			ArchivedOnly:    input.ArchivedOnly,
			ProlificOnly:    input.ProlificOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExperimentResponse `json:"body"`
		}{Body: mapExperiments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-experiment",
		Method:        http.MethodPost,
		Path:          "/experiments",
		Summary:       "Create an experiment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateExperimentRequest `json:"body"`
	}) (*experimentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := configBytes(input.Body.Config)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		exp, err := e.CreateExperiment(ctx, engine.ExperimentCreateOptions{
			Slug:        input.Body.Slug,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Mode:        input.Body.EvaluationMode,
			Config:      raw,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &experimentBody{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experiment",
		Method:      http.MethodGet,
		Path:        "/experiments/{ref}",
		Summary:     "Get an experiment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *experimentPath) (*experimentBody, error) {
		exp, err := e.GetExperiment(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &experimentBody{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-experiment-status",
		Method:      http.MethodPost,
		Path:        "/experiments/{ref}/status",
		Summary:     "Move an experiment through its lifecycle",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body SetStatusRequest `json:"body"`
	}) (*experimentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exp, err := e.TransitionExperiment(ctx, input.Ref, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &experimentBody{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-experiment",
		Method:      http.MethodPost,
		Path:        "/experiments/{ref}/archive",
		Summary:     "Archive an experiment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *experimentPath) (*experimentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exp, err := e.ArchiveExperiment(ctx, input.Ref, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &experimentBody{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-experiment-config",
		Method:      http.MethodPut,
		Path:        "/experiments/{ref}/config",
		Summary:     "Replace an experiment's configuration document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body ConfigRequest `json:"body"`
	}) (*experimentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := configBytes(input.Body.Config)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		exp, err := e.UpdateExperimentConfig(ctx, input.Ref, raw, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &experimentBody{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-tasks",
		Method:      http.MethodPut,
		Path:        "/experiments/{ref}/tasks",
		Summary:     "Replace an experiment's tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		experimentPath
		Body ReplaceTasksRequest `json:"body"`
	}) (*struct {
		Body TaskCountsResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := e.ReplaceTasks(ctx, input.Ref, input.Body.manifest(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskCountsResponse `json:"body"`
		}{Body: taskCountsResponse(counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-experiment",
		Method:      http.MethodGet,
		Path:        "/experiments/{ref}/validation",
		Summary:     "Report configuration problems",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *experimentPath) (*struct {
		Body []engine.ValidationIssue `json:"body"`
	}, error) {
		issues, err := e.ValidateExperiment(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.ValidationIssue `json:"body"`
		}{Body: nonNilSlice(issues)}, nil
	})
}

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-progress",
		Method:      http.MethodGet,
		Path:        "/progress",
		Summary:     "Progress of every experiment plus the aggregate",
	}, func(ctx context.Context, input *struct {
		Status           string `query:"status" enum:"draft,ready,active,paused,completed"`
		IncludeArchived  bool   `query:"include_archived"`
		IncludeAnonymous bool   `query:"include_anonymous"`
	}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		dash, err := e.DashboardProgress(ctx, repo.ExperimentFilter{
			Status:          domain.ExperimentStatus(input.Status),
			IncludeArchived: input.IncludeArchived,
		}, filterOptions(e, input.IncludeAnonymous))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: dash}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "experiment-progress",
		Method:      http.MethodGet,
		Path:        "/experiments/{ref}/progress",
		Summary:     "Progress of one experiment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		experimentPath
		IncludeAnonymous bool `query:"include_anonymous"`
	}) (*struct {
		Body progress.Summary `json:"body"`
	}, error) {
		summary, err := e.ExperimentProgress(ctx, input.Ref, filterOptions(e, input.IncludeAnonymous))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body progress.Summary `json:"body"`
		}{Body: summary}, nil
	})
}

// filterOptions widens the configured filter when the caller asks for anonymous participants.
func filterOptions(e engine.Engine, includeAnonymous bool) progress.FilterOptions {
	opts := e.FilterOptions()
	if includeAnonymous {
		opts.IncludeAnonymous = true
	}
	return opts
}
