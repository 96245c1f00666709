package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/raysh454/deployproxy/internal/builder"
	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/registry"
)

// maxHookPayload bounds the body of an inbound deploy notification.
const maxHookPayload = 1 << 20

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Warn(op, logging.Field{Key: "error", Value: err.Error()})
	writeErr(w, err)
}

func siteParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "site"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Invalid("invalid site id")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Provider site

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.orchestrator.Site(r.Context())
	if err != nil {
		s.fail(w, "getting site", err)
		return
	}
	writeJSON(w, http.StatusOK, SiteResponse{Site: site})
}

func (s *Server) handleDeploys(w http.ResponseWriter, r *http.Request) {
	deploys, err := s.orchestrator.Deploys(r.Context())
	if err != nil {
		s.fail(w, "listing deploys", err)
		return
	}
	s.logger.Info("listed deploys", logging.Field{Key: "count", Value: len(deploys)})
	writeJSON(w, http.StatusOK, DeploysResponse{Deploys: deploys})
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	build, job, err := s.orchestrator.TriggerBuild(r.Context())
	if err != nil {
		s.fail(w, "triggering build", err)
		return
	}
	writeJSON(w, http.StatusOK, BuildResponse{Build: build, Job: job})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	ok, err := s.orchestrator.Lock(r.Context())
	if err != nil {
		s.fail(w, "locking deploy", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: ok})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	ok, err := s.orchestrator.Unlock(r.Context())
	if err != nil {
		s.fail(w, "unlocking deploy", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: ok})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	deployID := chi.URLParam(r, "deployID")
	d, err := s.orchestrator.Publish(r.Context(), deployID)
	if err != nil {
		s.fail(w, "publishing deploy", err)
		return
	}
	s.logger.Info("published deploy", logging.Field{Key: "deploy_id", Value: d.ID})
	writeJSON(w, http.StatusOK, DeployResponse{Deploy: d})
}

// Hook lifecycle

func (s *Server) handleHookExists(w http.ResponseWriter, r *http.Request) {
	exists, err := s.orchestrator.HookExists(r.Context())
	if err != nil {
		s.fail(w, "checking hook", err)
		return
	}
	writeJSON(w, http.StatusOK, HookExistsResponse{Exists: exists})
}

func (s *Server) handleRegisterHook(w http.ResponseWriter, r *http.Request) {
	hook, state, err := s.orchestrator.RegisterHook(r.Context())
	if err != nil {
		s.fail(w, "registering hook", err)
		return
	}
	writeJSON(w, http.StatusOK, HookResponse{Hook: hook, State: string(state)})
}

// handleHookFire never reports an error: unexpected payloads are no-ops.
func (s *Server) handleHookFire(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHookPayload))
	if err != nil {
		s.logger.Warn("reading hook payload", logging.Field{Key: "error", Value: err.Error()})
		reason := "unreadable payload"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reason = "payload too large"
		}
		writeJSON(w, http.StatusOK, HookFiredResponse{Reason: reason})
		return
	}
	out := s.orchestrator.HookFired(r.Context(), payload)
	writeJSON(w, http.StatusOK, HookFiredResponse{Updated: out.Updated, Reason: out.Reason})
}

// Local builds

func (s *Server) handleLocalBuild(w http.ResponseWriter, r *http.Request) {
	id, err := siteParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.orchestrator.BuildSite(r.Context(), id)
	if err != nil {
		s.fail(w, "building site", err)
		return
	}
	if res.Status == registry.StatusFailed {
		writeJSON(w, http.StatusOK, LocalBuildResponse{Error: builder.MsgBuildFailed, Result: res})
		return
	}
	writeJSON(w, http.StatusOK, LocalBuildResponse{Success: builder.MsgSuccess, Result: res})
}

func (s *Server) handleLocalStatus(w http.ResponseWriter, r *http.Request) {
	id, err := siteParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, err := s.orchestrator.SiteStatus(r.Context(), id)
	if err != nil {
		s.fail(w, "getting site status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.orchestrator.Sites(r.Context())
	if err != nil {
		s.fail(w, "listing sites", err)
		return
	}
	if sites == nil {
		sites = []registry.Site{}
	}
	writeJSON(w, http.StatusOK, SitesResponse{Sites: sites})
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var body SiteRequest
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	site, err := s.orchestrator.SaveSite(r.Context(), body.toNewSite())
	if err != nil {
		s.fail(w, "creating site", err)
		return
	}
	s.logger.Info("created site", logging.Field{Key: "site", Value: site.ID})
	writeJSON(w, http.StatusCreated, LocalSiteResponse{Site: site})
}

func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request) {
	id, err := siteParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var body SiteRequest
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	site, err := s.orchestrator.UpdateSite(r.Context(), id, body.toNewSite())
	if err != nil {
		s.fail(w, "updating site", err)
		return
	}
	writeJSON(w, http.StatusOK, LocalSiteResponse{Site: site})
}

func (s *Server) handleRemoveSite(w http.ResponseWriter, r *http.Request) {
	id, err := siteParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.orchestrator.RemoveSite(r.Context(), id); err != nil {
		s.fail(w, "removing site", err)
		return
	}
	s.logger.Info("removed site", logging.Field{Key: "site", Value: id})
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleLatestActivity(w http.ResponseWriter, r *http.Request) {
	id, err := s.orchestrator.LatestActivity(r.Context())
	if err != nil {
		s.fail(w, "reading latest activity", err)
		return
	}
	writeJSON(w, http.StatusOK, ActivityResponse{ActivityID: id})
}

// Jobs (REST)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.orchestrator.Jobs()
	s.logger.Info("listed jobs", logging.Field{Key: "count", Value: len(jobs)})
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orchestrator.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, "getting job", err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.orchestrator.CancelJob(jobID); err != nil {
		s.fail(w, "canceling job", err)
		return
	}
	s.logger.Info("canceled job", logging.Field{Key: "job_id", Value: jobID})
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
