package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TD-Producoes/revshare-sub005/internal/actions"
	"github.com/TD-Producoes/revshare-sub005/internal/api/middleware"
	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/engine"
	"github.com/TD-Producoes/revshare-sub005/internal/service"
	"github.com/TD-Producoes/revshare-sub005/internal/tasks"
)

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Store         core.Store
	Installations *service.InstallationService
	Intents       *engine.IntentEngine
	Plans         *engine.PlanEngine
	Audit         *audit.Chain
	Tasks         *tasks.Manager

	// Executor performs guarded actions. Defaults to an actions.Recorder.
	Executor core.ActionExecutor

	// Limiter throttles the agent surface. Nil disables throttling.
	Limiter *middleware.RateLimiter
}

type Server struct {
	installations *service.InstallationService
	intents       *engine.IntentEngine
	plans         *engine.PlanEngine
	audit         *audit.Chain
	taskManager   *tasks.Manager
	executor      core.ActionExecutor
	enforcer      *middleware.Enforcer
	limiter       *middleware.RateLimiter
}

func NewServer(d Deps) *Server {
	executor := d.Executor
	if executor == nil {
		executor = actions.NewRecorder()
	}
	return &Server{
		installations: d.Installations,
		intents:       d.Intents,
		plans:         d.Plans,
		audit:         d.Audit,
		taskManager:   d.Tasks,
		executor:      executor,
		enforcer:      middleware.NewEnforcer(d.Intents, d.Store, d.Audit),
		limiter:       d.Limiter,
	}
}

func (s *Server) Routes(signingKey []byte) http.Handler {
	mux := http.NewServeMux()

	// public routes
	mux.HandleFunc("GET "+HealthCheckRoute, s.handleHealth)
	mux.HandleFunc("GET "+AboutRoute, s.handleAbout)
	mux.Handle("GET "+MetricsRoute, promhttp.Handler())

	// agent routes
	agentAuth := middleware.AgentAuth(s.installations)
	agentMux := http.NewServeMux()
	agentMux.HandleFunc("POST "+RegisterAgentRoute, s.handleRegisterAgent)
	agentMux.HandleFunc("GET "+AgentClaimRoute, s.handleAgentClaim)
	agentMux.Handle("POST "+AgentIntentsRoute, agentAuth(http.HandlerFunc(s.handleCreateIntent)))
	agentMux.Handle("GET "+AgentIntentRoute, agentAuth(http.HandlerFunc(s.handleAgentIntent)))
	agentMux.Handle("POST "+AgentPlansRoute, agentAuth(http.HandlerFunc(s.handleCreatePlan)))
	agentMux.Handle("GET "+AgentPlanRoute, agentAuth(http.HandlerFunc(s.handleAgentPlan)))
	// guarded routes authenticate with the intent token instead of the agent credential
	agentMux.HandleFunc("POST "+AgentExecutePlanRoute, s.handleAgentExecutePlan)
	agentMux.Handle("POST "+AgentActionRoute, s.actionRouter())

	var agentHandler http.Handler = agentMux
	if s.limiter != nil {
		agentHandler = s.limiter.Middleware(agentMux)
	}
	mux.Handle(AgentParent, agentHandler)

	// dashboard routes
	dashboardMux := http.NewServeMux()
	dashboardMux.HandleFunc("GET "+ClaimRoute, s.handleGetClaim)
	dashboardMux.HandleFunc("POST "+ApproveClaimRoute, s.handleApproveClaim)
	dashboardMux.HandleFunc("GET "+ListIntentsRoute, s.handleListIntents)
	dashboardMux.HandleFunc("GET "+IntentRoute, s.handleGetIntent)
	dashboardMux.HandleFunc("POST "+ApproveIntentRoute, s.handleApproveIntent)
	dashboardMux.HandleFunc("POST "+DenyIntentRoute, s.handleDenyIntent)
	dashboardMux.HandleFunc("GET "+ListPlansRoute, s.handleListPlans)
	dashboardMux.HandleFunc("GET "+PlanRoute, s.handleGetPlan)
	dashboardMux.HandleFunc("POST "+ApprovePlanRoute, s.handleApprovePlan)
	dashboardMux.HandleFunc("POST "+DenyPlanRoute, s.handleDenyPlan)
	dashboardMux.HandleFunc("POST "+ExecutePlanRoute, s.handleExecutePlan)
	dashboardMux.HandleFunc("GET "+ListInstallationsRoute, s.handleListInstallations)
	dashboardMux.HandleFunc("GET "+InstallationRoute, s.handleGetInstallation)
	dashboardMux.HandleFunc("POST "+RevokeInstallationRoute, s.handleRevokeInstallation)
	dashboardMux.HandleFunc("POST "+RotateSecretRoute, s.handleRotateSecret)
	dashboardMux.HandleFunc("POST "+UpdatePolicyRoute, s.handleUpdatePolicy)
	mux.Handle(DashboardParent, middleware.SessionAuth(signingKey)(dashboardMux))

	// admin routes
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET "+ListAuditRoute, s.handleListAudit)
	adminMux.HandleFunc("GET "+VerifyAuditRoute, s.handleVerifyAudit)
	adminMux.HandleFunc("GET "+ListTasksRoute, s.handleListTasks)
	adminMux.HandleFunc("POST "+TriggerTaskRoute, s.handleTriggerTask)
	adminMux.HandleFunc("GET "+LogsForTaskRoute, s.handleLogsForTask)
	mux.Handle(AdminParent,
		middleware.SessionAuth(signingKey)(
			middleware.RequireRole(middleware.AdminRole)(
				adminMux)))

	return middleware.Recover(
		middleware.Correlation(
			middleware.Logging(
				mux)))
}
