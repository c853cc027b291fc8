package auth

// Known OAuth scopes used by the live class service.
const (
	ScopeClassesJoin = "classes:join"
	ScopeClassesLead = "classes:lead"
	ScopeClassesRead = "classes:read"
)
