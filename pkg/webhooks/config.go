package webhooks

import (
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	fleetv1alpha1 "github.com/openshift/wasm-fleet-operator/api/fleet/v1alpha1"
)

const (
	DefaultDeviceValidatingHookPath      = "/validate-fleet-openshift-io-v1alpha1-device"
	DefaultApplicationValidatingHookPath = "/validate-fleet-openshift-io-v1alpha1-application"

	webhookConfigurationName  = "fleet-operator"
	defaultWebhookServiceName = "fleet-operator-webhook"
	defaultWebhookNamespace   = "openshift-fleet"
	defaultWebhookServicePort = 443
)

var (
	// webhookFailurePolicy is Fail: an unreachable webhook must block the
	// two immutability invariants it enforces rather than silently admit.
	webhookFailurePolicy = admissionregistrationv1.Fail
	webhookSideEffects    = admissionregistrationv1.SideEffectClassNone
)

// NewValidatingWebhookConfiguration returns the ValidatingWebhookConfiguration
// covering the Device and Application immutability checks.
func NewValidatingWebhookConfiguration() *admissionregistrationv1.ValidatingWebhookConfiguration {
	cfg := &admissionregistrationv1.ValidatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{
			Name: webhookConfigurationName,
			Annotations: map[string]string{
				"service.beta.openshift.io/inject-cabundle": "true",
			},
		},
		Webhooks: []admissionregistrationv1.ValidatingWebhook{
			deviceValidatingWebhook(),
			applicationValidatingWebhook(),
		},
	}
	cfg.SetGroupVersionKind(admissionregistrationv1.SchemeGroupVersion.WithKind("ValidatingWebhookConfiguration"))
	return cfg
}

func deviceValidatingWebhook() admissionregistrationv1.ValidatingWebhook {
	return admissionregistrationv1.ValidatingWebhook{
		AdmissionReviewVersions: []string{"v1"},
		Name:                    "validation.device.fleet.openshift.io",
		FailurePolicy:           &webhookFailurePolicy,
		SideEffects:             &webhookSideEffects,
		ClientConfig: admissionregistrationv1.WebhookClientConfig{
			Service: &admissionregistrationv1.ServiceReference{
				Namespace: defaultWebhookNamespace,
				Name:      defaultWebhookServiceName,
				Path:      ptr.To(DefaultDeviceValidatingHookPath),
				Port:      ptr.To[int32](defaultWebhookServicePort),
			},
		},
		Rules: []admissionregistrationv1.RuleWithOperations{
			{
				Rule: admissionregistrationv1.Rule{
					APIGroups:   []string{fleetv1alpha1.GroupVersion.Group},
					APIVersions: []string{fleetv1alpha1.GroupVersion.Version},
					Resources:   []string{"devices"},
				},
				Operations: []admissionregistrationv1.OperationType{admissionregistrationv1.Update},
			},
		},
	}
}

func applicationValidatingWebhook() admissionregistrationv1.ValidatingWebhook {
	return admissionregistrationv1.ValidatingWebhook{
		AdmissionReviewVersions: []string{"v1"},
		Name:                    "validation.application.fleet.openshift.io",
		FailurePolicy:           &webhookFailurePolicy,
		SideEffects:             &webhookSideEffects,
		ClientConfig: admissionregistrationv1.WebhookClientConfig{
			Service: &admissionregistrationv1.ServiceReference{
				Namespace: defaultWebhookNamespace,
				Name:      defaultWebhookServiceName,
				Path:      ptr.To(DefaultApplicationValidatingHookPath),
				Port:      ptr.To[int32](defaultWebhookServicePort),
			},
		},
		Rules: []admissionregistrationv1.RuleWithOperations{
			{
				Rule: admissionregistrationv1.Rule{
					APIGroups:   []string{fleetv1alpha1.GroupVersion.Group},
					APIVersions: []string{fleetv1alpha1.GroupVersion.Version},
					Resources:   []string{"applications"},
				},
				Operations: []admissionregistrationv1.OperationType{admissionregistrationv1.Update},
			},
		},
	}
}
