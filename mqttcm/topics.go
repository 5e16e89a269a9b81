package mqttcm

import (
	"fmt"

	"go.ntppool.org/common/config/depenv"
)

type MQTTTopics struct {
	e depenv.DeploymentEnvironment
}

func NewTopics(depEnv depenv.DeploymentEnvironment) *MQTTTopics {
	return &MQTTTopics{e: depEnv}
}

func (t *MQTTTopics) prefix() string {
	return fmt.Sprintf("/%s/dnshealth", t.e)
}

// Status is the retained online/offline topic for a reporter.
func (t *MQTTTopics) Status(name string) string {
	return fmt.Sprintf("%s/status/%s", t.prefix(), name)
}

// LatestReport carries a notification for each new report.
func (t *MQTTTopics) LatestReport() string {
	return fmt.Sprintf("%s/reports/latest", t.prefix())
}

// Wave carries per-wave progress of a running campaign.
func (t *MQTTTopics) Wave(runID string) string {
	return fmt.Sprintf("%s/campaigns/%s/waves", t.prefix(), runID)
}
