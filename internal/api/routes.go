package api

const (
	HealthCheckRoute = "/healthz"
	AboutRoute       = "/about"
	MetricsRoute     = "/metrics"

	// agent surface, rate limited per remote address
	AgentParent           = "/v1/agent/"
	RegisterAgentRoute    = AgentParent + "register"
	AgentClaimRoute       = AgentParent + "claims/{id}"
	AgentIntentsRoute     = AgentParent + "intents"
	AgentIntentRoute      = AgentParent + "intents/{id}"
	AgentPlansRoute       = AgentParent + "plans"
	AgentPlanRoute        = AgentParent + "plans/{id}"
	AgentExecutePlanRoute = AgentParent + "plans/{id}/execute"
	AgentActionRoute      = AgentParent + "actions/{kind}"

	// dashboard surface, human session required
	DashboardParent         = "/v1/dashboard/"
	ClaimRoute              = DashboardParent + "claims/{id}"
	ApproveClaimRoute       = DashboardParent + "claims/{id}/approve"
	ListIntentsRoute        = DashboardParent + "intents"
	IntentRoute             = DashboardParent + "intents/{id}"
	ApproveIntentRoute      = DashboardParent + "intents/{id}/approve"
	DenyIntentRoute         = DashboardParent + "intents/{id}/deny"
	ListPlansRoute          = DashboardParent + "plans"
	PlanRoute               = DashboardParent + "plans/{id}"
	ApprovePlanRoute        = DashboardParent + "plans/{id}/approve"
	DenyPlanRoute           = DashboardParent + "plans/{id}/deny"
	ExecutePlanRoute        = DashboardParent + "plans/{id}/execute"
	ListInstallationsRoute  = DashboardParent + "installations"
	InstallationRoute       = DashboardParent + "installations/{id}"
	RevokeInstallationRoute = DashboardParent + "installations/{id}/revoke"
	RotateSecretRoute       = DashboardParent + "installations/{id}/rotate"
	UpdatePolicyRoute       = DashboardParent + "installations/{id}/policy"

	// admin surface, session with the admin role required
	AdminParent      = "/v1/admin/"
	ListAuditRoute   = AdminParent + "audit"
	VerifyAuditRoute = AdminParent + "audit/verify"

	TaskParent       = AdminParent + "tasks/"
	ListTasksRoute   = TaskParent
	TriggerTaskRoute = TaskParent + "{name}/trigger"
	LogsForTaskRoute = TaskParent + "{name}/logs"
)
