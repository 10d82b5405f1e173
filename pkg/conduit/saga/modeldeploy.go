package saga

import (
	"context"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// Event types of the model deployment workflow.
const (
	ModelDeployed         = "mlm.ModelDeployed"
	ModelDeploymentFailed = "mlm.ModelDeploymentFailed"
	ProvisionEndpoint     = "inference.ProvisionEndpoint"
	EndpointProvisioned   = "inference.EndpointProvisioned"
	DeprovisionEndpoint   = "inference.DeprovisionEndpoint"
	OpenUsageRecord       = "billing.OpenUsageRecord"
	UsageRecordOpened     = "billing.UsageRecordOpened"
)

// ModelDeploymentType is the saga type of ModelDeployment.
const ModelDeploymentType = "model-deployment"

// ModelDeployedPayload is published by the model lifecycle context.
type ModelDeployedPayload struct {
	ModelID string `json:"model_id"`
	Version string `json:"version,omitempty"`
}

// ProvisionEndpointPayload instructs the inference context.
type ProvisionEndpointPayload struct {
	ModelID string `json:"model_id"`
	Version string `json:"version,omitempty"`
}

// EndpointPayload identifies an inference endpoint.
type EndpointPayload struct {
	ModelID    string `json:"model_id"`
	EndpointID string `json:"endpoint_id"`
}

// OpenUsageRecordPayload instructs the billing context.
type OpenUsageRecordPayload struct {
	ModelID    string `json:"model_id"`
	EndpointID string `json:"endpoint_id"`
}

// UsageRecordOpenedPayload is published by the billing context.
type UsageRecordOpenedPayload struct {
	ModelID       string `json:"model_id"`
	EndpointID    string `json:"endpoint_id"`
	UsageRecordID string `json:"usage_record_id"`
}

// ModelDeploymentFailedPayload reports an unwound deployment.
type ModelDeploymentFailedPayload struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// ModelDeployment returns the workflow that follows a deployed model
// through endpoint provisioning and usage metering:
//
//	mlm.ModelDeployed             -> inference.ProvisionEndpoint
//	inference.EndpointProvisioned -> billing.OpenUsageRecord
//	billing.UsageRecordOpened     -> COMPLETED
//
// The deployment itself is a fact and is never compensated. A provisioned
// endpoint is deprovisioned when a later step fails.
func ModelDeployment() *Definition {
	return &Definition{
		Type: ModelDeploymentType,
		Steps: []Step{
			{
				Name:    "provision-endpoint",
				Trigger: ModelDeployed,
				Action: func(_ context.Context, sc *StepContext) ([]event.Event, error) {
					p, err := decodeStep[ModelDeployedPayload](sc.Event)
					if err != nil {
						return nil, err
					}
					sc.Data["model_id"] = p.ModelID
					cmd, err := sc.NewEvent(ProvisionEndpoint, "model", p.ModelID,
						ProvisionEndpointPayload(p))
					if err != nil {
						return nil, err
					}
					return []event.Event{cmd}, nil
				},
			},
			{
				Name:    "open-usage-record",
				Trigger: EndpointProvisioned,
				Action: func(_ context.Context, sc *StepContext) ([]event.Event, error) {
					p, err := decodeStep[EndpointPayload](sc.Event)
					if err != nil {
						return nil, err
					}
					sc.Data["endpoint_id"] = p.EndpointID
					cmd, err := sc.NewEvent(OpenUsageRecord, "model", p.ModelID,
						OpenUsageRecordPayload(p))
					if err != nil {
						return nil, err
					}
					return []event.Event{cmd}, nil
				},
				Compensate: func(_ context.Context, sc *StepContext) ([]event.Event, error) {
					modelID := sc.Data["model_id"]
					cmd, err := sc.NewEvent(DeprovisionEndpoint, "model", modelID, EndpointPayload{
						ModelID:    modelID,
						EndpointID: sc.Data["endpoint_id"],
					})
					if err != nil {
						return nil, err
					}
					return []event.Event{cmd}, nil
				},
			},
			{
				Name:    "record-usage",
				Trigger: UsageRecordOpened,
				Action: func(_ context.Context, sc *StepContext) ([]event.Event, error) {
					p, err := decodeStep[UsageRecordOpenedPayload](sc.Event)
					if err != nil {
						return nil, err
					}
					sc.Data["usage_record_id"] = p.UsageRecordID
					return nil, nil
				},
			},
		},
		OnFailure: func(_ context.Context, sc *StepContext) ([]event.Event, error) {
			modelID := sc.Data["model_id"]
			if modelID == "" {
				modelID = sc.SagaID
			}
			evt, err := sc.NewEvent(ModelDeploymentFailed, "model", modelID, ModelDeploymentFailedPayload{
				ModelID: modelID,
				Reason:  sc.Reason,
			})
			if err != nil {
				return nil, err
			}
			return []event.Event{evt}, nil
		},
	}
}

// ModelDeploymentSchemas returns the schemas of the workflow's events.
func ModelDeploymentSchemas() []event.Schema {
	return []event.Schema{
		{Type: ModelDeployed, Version: 1, Description: "A model version was deployed",
			Validator: event.JSONFieldsValidator("model_id")},
		{Type: ProvisionEndpoint, Version: 1, Description: "Provision an inference endpoint for a model",
			Validator: event.JSONFieldsValidator("model_id")},
		{Type: EndpointProvisioned, Version: 1, Description: "An inference endpoint is serving a model",
			Validator: event.JSONFieldsValidator("model_id", "endpoint_id")},
		{Type: DeprovisionEndpoint, Version: 1, Description: "Tear down an inference endpoint",
			Validator: event.JSONFieldsValidator("model_id")},
		{Type: OpenUsageRecord, Version: 1, Description: "Start metering an endpoint",
			Validator: event.JSONFieldsValidator("model_id", "endpoint_id")},
		{Type: UsageRecordOpened, Version: 1, Description: "Metering started for an endpoint",
			Validator: event.JSONFieldsValidator("model_id", "endpoint_id", "usage_record_id")},
		{Type: ModelDeploymentFailed, Version: 1, Description: "A model deployment was unwound",
			Validator: event.JSONFieldsValidator("model_id", "reason")},
	}
}

// decodeStep decodes a trigger payload. A payload that cannot be decoded
// will never succeed, so it fails the step terminally.
func decodeStep[T any](evt event.Event) (T, error) {
	p, err := event.DecodePayload[T](evt)
	if err != nil {
		return p, cerrors.Terminal(err, "decode step trigger")
	}
	return p, nil
}
