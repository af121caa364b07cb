// Package kubernetes dispatches node executions as ephemeral batch/v1 Jobs:
// one Job per (run_node_id, attempt_index), startup-marker confirmation,
// result collection from pod logs, and graceful/forced cancellation.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nodadyoushutup/llmctl/internal/contract"
	"github.com/nodadyoushutup/llmctl/internal/dispatch"
	"github.com/nodadyoushutup/llmctl/internal/metrics"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

const (
	labelRunID             = "llmctl.io/run-id"
	labelRunNodeID         = "llmctl.io/run-node-id"
	labelAttemptIndex      = "llmctl.io/attempt-index"
	labelWorkspaceIdentity = "llmctl.io/workspace-identity"
	labelDispatchID        = "llmctl.io/provider-dispatch-id"

	dispatchIDPrefix = "kubernetes:"
)

// logsFunc streams a pod's combined log output. Injected for tests.
type logsFunc func(ctx context.Context, namespace, podName string) (string, error)

// Dispatcher submits executor Jobs through client-go.
type Dispatcher struct {
	client       kubernetes.Interface
	logger       *zap.Logger
	pollInterval time.Duration
	readLogs     logsFunc
}

// Option customizes the dispatcher.
type Option func(*Dispatcher)

// WithPollInterval overrides the status poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.pollInterval = d
		}
	}
}

// WithLogReader overrides pod log streaming (tests).
func WithLogReader(fn logsFunc) Option {
	return func(disp *Dispatcher) {
		if fn != nil {
			disp.readLogs = fn
		}
	}
}

// New creates a dispatcher over an existing clientset.
func New(client kubernetes.Interface, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		client:       client,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
	d.readLogs = d.streamLogs
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromSettings builds the clientset from executor settings: in-cluster
// config when enabled, otherwise the stored kubeconfig.
func NewFromSettings(settings store.ExecutorSettings, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	var (
		cfg *rest.Config
		err error
	)
	if settings.K8sInCluster {
		cfg, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("%s: in-cluster config: %w", contract.CodeInfra, err)
		}
	} else {
		if len(settings.K8sKubeconfig) == 0 {
			return nil, fmt.Errorf("%s: kubeconfig missing", contract.CodeInfra)
		}
		cfg, err = clientcmd.RESTConfigFromKubeConfig(settings.K8sKubeconfig)
		if err != nil {
			return nil, fmt.Errorf("%s: kubeconfig invalid: %w", contract.CodeInfra, err)
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return New(client, logger, opts...), nil
}

// ValidateImageRef accepts repo, repo:tag, repo@sha256:<64hex> and
// repo:tag@sha256:<64hex>; anything else is a validation error.
func ValidateImageRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("empty image reference")
	}
	if _, err := name.ParseReference(ref); err != nil {
		return fmt.Errorf("malformed image reference %q: %w", ref, err)
	}
	return nil
}

// ImageFor resolves the runtime-class image reference from settings.
func ImageFor(settings store.ExecutorSettings, class dispatch.RuntimeClass) (string, error) {
	var repo, tag string
	switch class {
	case dispatch.RuntimeVLLM:
		repo, tag = settings.K8sVLLMImage, settings.K8sVLLMImageTag
	default:
		repo, tag = settings.K8sFrontierImage, settings.K8sFrontierImageTag
	}
	if repo == "" {
		return "", fmt.Errorf("no executor image configured for runtime class %s", class)
	}
	ref := repo
	if tag != "" && !strings.Contains(repo, "@") {
		ref = repo + ":" + tag
	}
	if err := ValidateImageRef(ref); err != nil {
		return "", err
	}
	return ref, nil
}

// JobName derives the deterministic Job name for a dispatch key.
func JobName(runNodeID string, attemptIndex int) string {
	sanitized := strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, runNodeID))
	if len(sanitized) > 40 {
		sanitized = sanitized[:40]
	}
	return fmt.Sprintf("llmctl-%s-a%d", strings.Trim(sanitized, "-"), attemptIndex)
}

func validationResult(format string, args ...any) dispatch.Result {
	return dispatch.Result{Error: contract.NewError(contract.CodeValidation, fmt.Sprintf(format, args...))}
}

// Dispatch submits the Job and supervises it to a terminal state.
func (d *Dispatcher) Dispatch(ctx context.Context, req dispatch.Request, obs dispatch.Observer) (dispatch.Result, error) {
	if obs == nil {
		obs = dispatch.NopObserver{}
	}
	settings := req.Settings
	image, err := ImageFor(settings, req.RuntimeClass)
	if err != nil {
		return validationResult("%v", err), nil
	}

	job, err := d.buildJob(req, image)
	if err != nil {
		return validationResult("%v", err), nil
	}
	jobName := job.Name
	dispatchID := dispatchIDPrefix + jobName

	created, err := d.client.BatchV1().Jobs(settings.K8sNamespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Idempotent submit: reuse the existing dispatch.
			created, err = d.client.BatchV1().Jobs(settings.K8sNamespace).Get(ctx, jobName, metav1.GetOptions{})
			if err != nil {
				return dispatch.Result{
					ProviderDispatchID: dispatchID,
					JobName:            jobName,
					Error:              contract.NewError(contract.CodeDispatch, "lookup existing job: "+err.Error()),
				}, nil
			}
		} else {
			// Submission API failure before any start marker: clean
			// dispatch failure, not uncertainty.
			return dispatch.Result{
				Error: contract.NewError(contract.CodeDispatch, "job submission failed: "+err.Error()),
			}, nil
		}
	}
	d.logger.Info("executor job submitted",
		zap.String("job", created.Name),
		zap.String("run_node_id", req.RunNodeID),
		zap.Int("attempt_index", req.AttemptIndex))
	obs.DispatchSubmitted(ctx, dispatchID, jobName)

	return d.supervise(ctx, req, dispatchID, jobName, obs)
}

func (d *Dispatcher) buildJob(req dispatch.Request, image string) (*batchv1.Job, error) {
	settings := req.Settings
	jobName := JobName(req.RunNodeID, req.AttemptIndex)
	payload, err := marshalExecution(req.Execution)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		labelRunID:             req.RunID,
		labelRunNodeID:         req.RunNodeID,
		labelAttemptIndex:      strconv.Itoa(req.AttemptIndex),
		labelWorkspaceIdentity: req.WorkspaceIdentity,
		labelDispatchID:        jobName,
	}
	annotations := map[string]string{
		ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
		ocispec.AnnotationRefName: image,
	}

	container := corev1.Container{
		Name:  "executor",
		Image: image,
		Env: []corev1.EnvVar{
			{Name: contract.PayloadEnvVar, Value: payload},
		},
	}
	if settings.K8sGPULimit != "" {
		qty, err := resource.ParseQuantity(settings.K8sGPULimit)
		if err != nil {
			return nil, fmt.Errorf("invalid gpu limit %q: %w", settings.K8sGPULimit, err)
		}
		container.Resources = corev1.ResourceRequirements{
			Limits: corev1.ResourceList{"nvidia.com/gpu": qty},
		}
	}

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}
	if settings.K8sServiceAccount != "" {
		podSpec.ServiceAccountName = settings.K8sServiceAccount
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        jobName,
			Namespace:   settings.K8sNamespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            int32Ptr(0),
			TTLSecondsAfterFinished: int32Ptr(int32(settings.K8sJobTTLSeconds)),
			ActiveDeadlineSeconds:   int64Ptr(int64(settings.ExecutionTimeoutSeconds)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}, nil
}

// supervise waits for the startup marker and the terminal Job state,
// enforcing the fail-closed ambiguity rules.
func (d *Dispatcher) supervise(ctx context.Context, req dispatch.Request, dispatchID, jobName string, obs dispatch.Observer) (dispatch.Result, error) {
	settings := req.Settings
	result := dispatch.Result{ProviderDispatchID: dispatchID, JobName: jobName}

	submittedAt := time.Now()
	dispatchDeadline := submittedAt.Add(time.Duration(settings.DispatchTimeoutSeconds) * time.Second)
	executionDeadline := submittedAt.Add(time.Duration(settings.ExecutionTimeoutSeconds) * time.Second)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var lastLogs string
	for {
		select {
		case <-ctx.Done():
			_ = d.Cancel(context.Background(), dispatchID, true)
			result.Error = contract.NewError(contract.CodeCancelled, "dispatch cancelled")
			return result, nil
		case <-ticker.C:
		}

		job, err := d.client.BatchV1().Jobs(settings.K8sNamespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			result.Error = contract.NewError(contract.CodeInfra, "job status lookup failed: "+err.Error())
			return result, nil
		}
		terminal, reason := jobTerminal(job)
		result.TerminalReason = reason

		podName, logs := d.collectLogs(ctx, settings.K8sNamespace, jobName)
		if podName != "" {
			result.PodName = podName
		}
		if logs != "" {
			lastLogs = logs
		}
		if !result.Confirmed && markerIn(lastLogs) {
			result.Confirmed = true
			metrics.DispatchConfirmLatency.Observe(time.Since(submittedAt).Seconds())
			obs.DispatchConfirmed(ctx)
		}

		if terminal {
			if !result.Confirmed {
				// Terminal before confirmation with no valid marker in the
				// logs: ambiguous, fail closed.
				result.Uncertain = true
				result.Error = contract.NewError(contract.CodeDispatch,
					"job reached terminal state without a valid startup marker")
				return result, nil
			}
			return d.finish(result, lastLogs, reason), nil
		}

		if !result.Confirmed && time.Now().After(dispatchDeadline) {
			// No valid marker within the dispatch timeout and the job is
			// still not terminal: the executor may be running. Fail closed.
			result.Uncertain = true
			result.Error = contract.NewError(contract.CodeDispatch,
				fmt.Sprintf("no startup marker within %ds", settings.DispatchTimeoutSeconds))
			return result, nil
		}

		if time.Now().After(executionDeadline) {
			_ = d.Cancel(context.Background(), dispatchID, true)
			result.Error = contract.NewError(contract.CodeTimeout,
				fmt.Sprintf("no terminal job state within %ds", settings.ExecutionTimeoutSeconds))
			return result, nil
		}
	}
}

func (d *Dispatcher) finish(result dispatch.Result, logs, terminalReason string) dispatch.Result {
	exec, envErr := contract.ExtractResult(logs)
	if envErr != nil {
		if terminalReason != "" && terminalReason != "complete" {
			// The executor died without printing a result.
			result.Error = contract.NewError(contract.CodeExecution,
				"executor failed without a result envelope: "+terminalReason)
			return result
		}
		result.Error = envErr
		return result
	}
	result.Execution = exec
	result.Error = exec.Error
	return result
}

// collectLogs locates the job's pod and reads its logs so far.
func (d *Dispatcher) collectLogs(ctx context.Context, namespace, jobName string) (string, string) {
	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return "", ""
	}
	pod := pods.Items[0]
	logs, err := d.readLogs(ctx, namespace, pod.Name)
	if err != nil {
		return pod.Name, ""
	}
	return pod.Name, logs
}

func (d *Dispatcher) streamLogs(ctx context.Context, namespace, podName string) (string, error) {
	req := d.client.CoreV1().Pods(namespace).GetLogs(podName, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func markerIn(logs string) bool {
	for _, line := range strings.Split(logs, "\n") {
		if contract.IsStartupMarker(line) {
			return true
		}
	}
	return false
}

func jobTerminal(job *batchv1.Job) (bool, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, "complete"
		case batchv1.JobFailed:
			reason := cond.Reason
			if reason == "" {
				reason = "failed"
			}
			return true, strings.ToLower(reason)
		}
	}
	return false, ""
}

// Cancel deletes the Job. Graceful cancel uses background propagation so
// in-flight pods drain; force uses foreground and overrides grace.
func (d *Dispatcher) Cancel(ctx context.Context, providerDispatchID string, force bool) error {
	jobName := strings.TrimPrefix(providerDispatchID, dispatchIDPrefix)
	policy := metav1.DeletePropagationBackground
	if force {
		policy = metav1.DeletePropagationForeground
	}
	// The dispatch id carries no namespace, so the Job is located by its
	// dispatch-id label across all namespaces and deleted in each one found.
	namespaces, err := d.jobNamespaces(ctx, jobName)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		err := d.client.BatchV1().Jobs(ns).Delete(ctx, jobName, metav1.DeleteOptions{
			PropagationPolicy: &policy,
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("delete job %s/%s: %w", ns, jobName, err)
		}
	}
	return nil
}

func (d *Dispatcher) jobNamespaces(ctx context.Context, jobName string) ([]string, error) {
	jobs, err := d.client.BatchV1().Jobs(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: labelDispatchID + "=" + jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", jobName, err)
	}
	var namespaces []string
	for _, job := range jobs.Items {
		namespaces = append(namespaces, job.Namespace)
	}
	return namespaces, nil
}

func marshalExecution(req contract.ExecutionRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode execution request: %w", err)
	}
	return string(data), nil
}

func int32Ptr(v int32) *int32 { return &v }
func int64Ptr(v int64) *int64 { return &v }
