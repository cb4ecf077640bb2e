package kubernetes

// K8sConfig describes the lease this instance competes for.
type K8sConfig struct {
	Name         string `json:"name"` // Name of this orchestrator instance
	Namespace    string `json:"namespace"`
	LeaderLockID string `json:"leaderLockId"`
	Identity     string `json:"identity"`
	KubeConfig   string `json:"kubeConfig,omitempty"`
	Context      string `json:"context,omitempty"`
}
