package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/go-idempokit/internal/audit"
)

// MetricsSink publishes one CloudWatch datapoint per audit event, with the
// action as a dimension.
type MetricsSink struct {
	CloudWatch CloudWatchAPI
	Namespace  string
}

func NewMetricsSink(cw CloudWatchAPI, namespace string) *MetricsSink {
	if namespace == "" {
		namespace = "Idempokit"
	}
	return &MetricsSink{CloudWatch: cw, Namespace: namespace}
}

func (m *MetricsSink) Emit(ctx context.Context, ev audit.Event) error {
	value := 1.0
	ts := ev.Timestamp
	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: awsString(m.Namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: awsString("IdempotencyDecision"),
			Dimensions: []cwtypes.Dimension{{
				Name:  awsString("Action"),
				Value: awsString(string(ev.Action)),
			}},
			Timestamp: &ts,
			Unit:      cwtypes.StandardUnitCount,
			Value:     &value,
		}},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
