package domain

// SessionMeta keys. Every key is optional; absence means "not yet set",
// which is distinct from an empty value.
const (
	MetaSandboxID      = "sandboxId"
	MetaSandboxStatus  = "sandboxStatus"
	MetaAgentServerURL = "agentServerUrl"
	MetaAgentSessionID = "agentSessionId"
	MetaModel          = "model"
	MetaBranchName     = "branchName"
	MetaPRNumber       = "prNumber"
	MetaPRURL          = "prUrl"
	MetaPRDraft        = "prDraft"
	MetaFirstCommit    = "firstCommitDone"
	MetaRepoURL        = "repoUrl"
	MetaClonePath      = "clonePath"
	MetaIssueID        = "issueId"
	MetaPaused         = "paused"
	MetaGitUserName    = "gitUserName"
	MetaGitUserEmail   = "gitUserEmail"
	MetaGitToken       = "gitToken"
)

// Sandbox lifecycle statuses persisted under MetaSandboxStatus.
const (
	SandboxStatusUninitialized = "uninitialized"
	SandboxStatusProvisioning  = "provisioning"
	SandboxStatusActive        = "active"
	SandboxStatusPaused        = "paused"
	SandboxStatusStopped       = "stopped"
	SandboxStatusTerminated    = "terminated"
	SandboxStatusError         = "error"
)

// SecretMetaKeys lists keys whose values must never be echoed back through
// the RPC surface or logged.
var SecretMetaKeys = map[string]bool{
	MetaGitToken: true,
}
