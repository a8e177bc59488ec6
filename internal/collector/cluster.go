package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/metrics"
)

// defaultStateKeys are the candidate secret data keys holding a state
// payload, in priority order. The first key with valid JSON wins.
var defaultStateKeys = []string{"tfstate", "state", "terraform.tfstate", "default.tfstate"}

// Cluster is one source cluster with a ready client.
type Cluster struct {
	Name       string
	Namespaces []string
	Client     kubernetes.Interface
}

// NewClusterClient builds a clientset from a kubeconfig path and context.
// An empty kubeconfig tries in-cluster config first, then the default
// loading rules.
func NewClusterClient(kubeconfig, contextName string) (kubernetes.Interface, error) {
	cfg, err := buildRestConfig(kubeconfig, contextName)
	if err != nil {
		return nil, fmt.Errorf("load cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return client, nil
}

func buildRestConfig(kubeconfig, contextName string) (*rest.Config, error) {
	if kubeconfig == "" && contextName == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: contextName}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}

// ClusterSecrets polls Kubernetes clusters for state payloads stored in
// secrets. Each cluster is polled in isolation: one unreachable cluster is
// logged and skipped while the others continue.
type ClusterSecrets struct {
	clusters      []Cluster
	interval      time.Duration
	labelSelector string
	namePrefix    string
	stateKeys     []string
	metrics       *metrics.Ingest
	logger        *zap.Logger

	seen map[string]string // cluster/namespace/name -> resourceVersion
}

// NewClusterSecrets creates a cluster-secrets collector.
func NewClusterSecrets(clusters []Cluster, interval time.Duration, labelSelector, namePrefix string, m *metrics.Ingest, logger *zap.Logger) *ClusterSecrets {
	return &ClusterSecrets{
		clusters:      clusters,
		interval:      interval,
		labelSelector: labelSelector,
		namePrefix:    namePrefix,
		stateKeys:     defaultStateKeys,
		metrics:       m,
		logger:        logger.Named("collector.cluster"),
		seen:          make(map[string]string),
	}
}

// Name implements Collector.
func (c *ClusterSecrets) Name() string { return "cluster" }

// Start implements Collector. Clients are injected ready-built.
func (c *ClusterSecrets) Start(_ context.Context) error { return nil }

// Stop implements Collector.
func (c *ClusterSecrets) Stop() error { return nil }

// Collect polls all clusters until the context is canceled.
func (c *ClusterSecrets) Collect(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		for i := range c.clusters {
			if err := c.pollCluster(ctx, sink, &c.clusters[i]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.metrics.CollectError(c.Name())
				c.logger.Warn("cluster poll failed",
					zap.String("cluster", c.clusters[i].Name),
					zap.Error(err),
				)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *ClusterSecrets) pollCluster(ctx context.Context, sink Sink, cluster *Cluster) error {
	namespaces := cluster.Namespaces
	if len(namespaces) == 0 {
		nsList, err := cluster.Client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("list namespaces: %w", err)
		}
		for _, ns := range nsList.Items {
			namespaces = append(namespaces, ns.Name)
		}
	}

	for _, ns := range namespaces {
		secrets, err := c.listSecrets(ctx, cluster, ns)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A forbidden or broken namespace does not fail the cluster.
			c.logger.Warn("secret listing failed",
				zap.String("cluster", cluster.Name),
				zap.String("namespace", ns),
				zap.Error(err),
			)
			continue
		}
		for i := range secrets {
			if err := c.emitSecret(ctx, sink, cluster.Name, &secrets[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// listSecrets filters by label selector when configured, falling back to
// a name-prefix match over all secrets in the namespace.
func (c *ClusterSecrets) listSecrets(ctx context.Context, cluster *Cluster, namespace string) ([]corev1.Secret, error) {
	api := cluster.Client.CoreV1().Secrets(namespace)

	if c.labelSelector != "" {
		list, err := api.List(ctx, metav1.ListOptions{LabelSelector: c.labelSelector})
		if err == nil {
			return list.Items, nil
		}
		c.logger.Debug("label selector listing failed, trying name prefix",
			zap.String("cluster", cluster.Name),
			zap.String("namespace", namespace),
			zap.Error(err),
		)
	}

	list, err := api.List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	matched := list.Items[:0]
	for _, s := range list.Items {
		if c.namePrefix == "" || strings.HasPrefix(s.Name, c.namePrefix) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

func (c *ClusterSecrets) emitSecret(ctx context.Context, sink Sink, clusterName string, secret *corev1.Secret) error {
	id := clusterName + "/" + secret.Namespace + "/" + secret.Name
	if rv, ok := c.seen[id]; ok && rv == secret.ResourceVersion {
		return nil
	}

	payload := c.statePayload(secret)
	if payload == nil {
		c.logger.Debug("no state payload in secret", zap.String("secret", id))
		return nil
	}

	doc := domain.RawDocument{
		Content: payload,
		Meta: domain.SourceMeta{
			Kind:       c.Name(),
			Identifier: id,
			ObservedAt: time.Now().UTC(),
			SourceTime: secret.CreationTimestamp.Time.UTC(),
		},
	}
	if err := sink.Put(ctx, doc); err != nil {
		return err
	}

	c.seen[id] = secret.ResourceVersion
	c.metrics.DocumentCollected(c.Name())
	return nil
}

// statePayload returns the first candidate key whose value is valid JSON.
// Secret data arrives base64-decoded from client-go.
func (c *ClusterSecrets) statePayload(secret *corev1.Secret) []byte {
	for _, key := range c.stateKeys {
		if data, ok := secret.Data[key]; ok && json.Valid(data) {
			return data
		}
	}
	return nil
}
