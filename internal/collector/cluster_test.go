package collector

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/metrics"
)

func stateSecret(namespace, name, key string, labels map[string]string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:       namespace,
			Name:            name,
			Labels:          labels,
			ResourceVersion: "1",
		},
		Data: map[string][]byte{key: []byte(`{"version":4,"resources":[]}`)},
	}
}

func TestClusterSecretsEmitsLabeledSecrets(t *testing.T) {
	client := fake.NewSimpleClientset(
		stateSecret("infra", "web-state", "tfstate", map[string]string{"app": "state-backend"}),
		stateSecret("infra", "unrelated", "tfstate", nil),
	)
	c := NewClusterSecrets(
		[]Cluster{{Name: "east", Client: client, Namespaces: []string{"infra"}}},
		time.Minute, "app=state-backend", "", metrics.NewIngest(nil), zap.NewNop(),
	)
	sink := &memSink{}

	if err := c.pollCluster(context.Background(), sink, &c.clusters[0]); err != nil {
		t.Fatalf("pollCluster: %v", err)
	}
	docs := sink.all()
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0].Meta.Identifier != "east/infra/web-state" {
		t.Errorf("identifier = %q", docs[0].Meta.Identifier)
	}
	if docs[0].Meta.Kind != "cluster" {
		t.Errorf("kind = %q", docs[0].Meta.Kind)
	}
}

func TestClusterSecretsNamePrefixFallback(t *testing.T) {
	client := fake.NewSimpleClientset(
		stateSecret("default", "tfstate-prod", "state", nil),
		stateSecret("default", "db-password", "state", nil),
	)
	c := NewClusterSecrets(
		[]Cluster{{Name: "east", Client: client, Namespaces: []string{"default"}}},
		time.Minute, "", "tfstate-", metrics.NewIngest(nil), zap.NewNop(),
	)
	sink := &memSink{}

	if err := c.pollCluster(context.Background(), sink, &c.clusters[0]); err != nil {
		t.Fatalf("pollCluster: %v", err)
	}
	docs := sink.all()
	if len(docs) != 1 || docs[0].Meta.Identifier != "east/default/tfstate-prod" {
		t.Fatalf("docs = %+v, want only the prefixed secret", docs)
	}
}

func TestClusterSecretsCandidateKeyOrder(t *testing.T) {
	secret := stateSecret("infra", "mixed", "state", nil)
	secret.Data["tfstate"] = []byte("not json at all")
	client := fake.NewSimpleClientset(secret)

	c := NewClusterSecrets(
		[]Cluster{{Name: "east", Client: client, Namespaces: []string{"infra"}}},
		time.Minute, "", "", metrics.NewIngest(nil), zap.NewNop(),
	)
	sink := &memSink{}

	if err := c.pollCluster(context.Background(), sink, &c.clusters[0]); err != nil {
		t.Fatalf("pollCluster: %v", err)
	}
	docs := sink.all()
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	// The invalid "tfstate" key is passed over for the valid "state" key.
	if string(docs[0].Content) != `{"version":4,"resources":[]}` {
		t.Errorf("content = %q", docs[0].Content)
	}
}

func TestClusterSecretsSkipsUnchangedResourceVersion(t *testing.T) {
	client := fake.NewSimpleClientset(stateSecret("infra", "web-state", "tfstate", nil))
	c := NewClusterSecrets(
		[]Cluster{{Name: "east", Client: client, Namespaces: []string{"infra"}}},
		time.Minute, "", "", metrics.NewIngest(nil), zap.NewNop(),
	)
	sink := &memSink{}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.pollCluster(ctx, sink, &c.clusters[0]); err != nil {
			t.Fatalf("pollCluster #%d: %v", i+1, err)
		}
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("got %d documents, want 1", got)
	}
}

func TestClusterSecretsIgnoresSecretWithoutStatePayload(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Namespace: "infra", Name: "tls-cert", ResourceVersion: "1"},
		Data:       map[string][]byte{"tls.crt": []byte("PEM")},
	}
	client := fake.NewSimpleClientset(secret)
	c := NewClusterSecrets(
		[]Cluster{{Name: "east", Client: client, Namespaces: []string{"infra"}}},
		time.Minute, "", "", metrics.NewIngest(nil), zap.NewNop(),
	)
	sink := &memSink{}

	if err := c.pollCluster(context.Background(), sink, &c.clusters[0]); err != nil {
		t.Fatalf("pollCluster: %v", err)
	}
	if got := len(sink.all()); got != 0 {
		t.Fatalf("got %d documents, want 0", got)
	}
}
