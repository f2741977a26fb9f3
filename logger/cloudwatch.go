package logger

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var cwClient *cloudwatch.Client
var cwNamespace = "RatesFlow"
var cwDashboard = "RatesFlow"

// InitCloudWatch enables metric publishing. An empty region falls back to
// AWS_REGION. On failure publishing stays off and a warning is logged.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("aws config unavailable, cloudwatch metrics off")
		return
	}
	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("cloudwatch enabled")
	CreateDefaultDashboard(ctx)
}

// publishMetrics is a no-op until InitCloudWatch succeeds.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	if cwClient == nil || len(data) == 0 {
		return
	}
	_, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cwNamespace),
		MetricData: data,
	})
	if err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("put metric data")
	}
}

type dashboardWidget struct {
	Type       string         `json:"type"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Properties map[string]any `json:"properties"`
}

func metricWidget(title string, series [][]string) dashboardWidget {
	return dashboardWidget{
		Type:   "metric",
		Width:  24,
		Height: 6,
		Properties: map[string]any{
			"metrics": series,
			"period":  300,
			"stat":    "Maximum",
			"title":   title,
		},
	}
}

// dashboardBody lays out per-exchange request and error counts above the
// shard write totals.
func dashboardBody() (string, error) {
	var calls [][]string
	for _, ex := range []string{"binance", "bybit", "ftx", "huobi", "okx"} {
		calls = append(calls,
			[]string{cwNamespace, "Requests", "Exchange", ex},
			[]string{cwNamespace, "Errors", "Exchange", ex},
		)
	}
	shards := [][]string{{cwNamespace, "ShardWrites"}, {cwNamespace, "ShardRows"}}
	body, err := json.Marshal(map[string]any{"widgets": []dashboardWidget{
		metricWidget("exchange requests", calls),
		metricWidget("persisted shards", shards),
	}})
	return string(body), err
}

// CreateDefaultDashboard upserts the run dashboard. Failures only log.
func CreateDefaultDashboard(ctx context.Context) {
	if cwClient == nil {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")
	body, err := dashboardBody()
	if err != nil {
		log.WithError(err).Warn("encode dashboard")
		return
	}
	_, err = cwClient.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cwDashboard),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		log.WithError(err).Warn("put dashboard")
	}
}
