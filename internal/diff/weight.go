package diff

// Creation-dependency weights. Resources with a lower weight must exist
// before resources with a higher weight can be created without transient
// failures: namespaces before namespaced resources, CRDs before custom
// resources, RBAC and config before workloads.
const (
	weightNamespace = iota
	weightCRD
	weightCluster
	weightAccount
	weightConfig
	weightStorage
	weightRBAC
	weightService
	weightDefault
	weightWorkload
	weightLast
)

//nolint:gochecknoglobals // static lookup table
var kindWeights = map[string]int{
	"Namespace":                      weightNamespace,
	"CustomResourceDefinition":       weightCRD,
	"ClusterRole":                    weightCluster,
	"ClusterRoleBinding":             weightCluster,
	"PriorityClass":                  weightCluster,
	"StorageClass":                   weightCluster,
	"ServiceAccount":                 weightAccount,
	"Secret":                         weightConfig,
	"ConfigMap":                      weightConfig,
	"LimitRange":                     weightConfig,
	"ResourceQuota":                  weightConfig,
	"PersistentVolume":               weightStorage,
	"PersistentVolumeClaim":          weightStorage,
	"Role":                           weightRBAC,
	"RoleBinding":                    weightRBAC,
	"Service":                        weightService,
	"Deployment":                     weightWorkload,
	"StatefulSet":                    weightWorkload,
	"DaemonSet":                      weightWorkload,
	"ReplicaSet":                     weightWorkload,
	"Job":                            weightWorkload,
	"CronJob":                        weightWorkload,
	"Pod":                            weightWorkload,
	"HorizontalPodAutoscaler":        weightLast,
	"PodDisruptionBudget":            weightLast,
	"Ingress":                        weightLast,
	"NetworkPolicy":                  weightLast,
	"MutatingWebhookConfiguration":   weightLast,
	"ValidatingWebhookConfiguration": weightLast,
}

// KindWeight returns the creation-dependency weight for a kind.
// Unknown kinds land between services and workloads.
func KindWeight(kind string) int {
	if w, ok := kindWeights[kind]; ok {
		return w
	}

	return weightDefault
}
