package align

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PublishedPose is the message published for one sensor after registration
type PublishedPose struct {
	SensorID    string      `json:"sensorId"`
	JobID       string      `json:"jobId"`
	Matrix      [16]float64 `json:"matrix"`
	Translation [3]float64  `json:"translation"`
	EulerDeg    [3]float64  `json:"eulerDeg"`
	Fitness     float64     `json:"fitness"`
	InlierRMSE  float64     `json:"inlierRmse"`
	State       string      `json:"state"`
	Timestamp   int64       `json:"timestamp"`
}

// Publisher publishes registered sensor poses to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	poses         map[string]*PublishedPose
	mu            sync.RWMutex
}

// NewPublisher creates a pose publisher.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "pose-refine"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // late subscribers get the current pose
		poses:         make(map[string]*PublishedPose),
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishResult publishes a sensor's result to <prefix>/<sensorID> and the
// combined <prefix>/results topic
func (p *Publisher) PublishResult(sr SensorResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	t := sr.Transform.TranslationPart()
	rx, ry, rz := sr.Transform.EulerXYZ()
	pose := &PublishedPose{
		SensorID:    sr.SensorID,
		JobID:       sr.JobID,
		Matrix:      sr.Transform,
		Translation: [3]float64{t.X, t.Y, t.Z},
		EulerDeg:    [3]float64{rad2deg(rx), rad2deg(ry), rad2deg(rz)},
		Fitness:     sr.Fitness,
		InlierRMSE:  sr.InlierRMSE,
		State:       sr.State.String(),
		Timestamp:   time.Now().Unix(),
	}

	p.mu.Lock()
	p.poses[sr.SensorID] = pose
	p.mu.Unlock()

	if err := p.publishIndividual(pose); err != nil {
		log.Printf("[PUBLISH] error publishing pose for %s: %v", sr.SensorID, err)
		return err
	}
	if err := p.publishCombined(); err != nil {
		log.Printf("[PUBLISH] error publishing combined results: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) publishIndividual(pose *PublishedPose) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, pose.SensorID)

	payload, err := json.Marshal(pose)
	if err != nil {
		return fmt.Errorf("marshaling pose: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[PUBLISH] %s: t=(%.4f, %.4f, %.4f) fitness=%.3f state=%s",
		pose.SensorID, pose.Translation[0], pose.Translation[1], pose.Translation[2], pose.Fitness, pose.State)
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	poses := make([]*PublishedPose, 0, len(p.poses))
	for _, pose := range p.poses {
		poses = append(poses, pose)
	}
	p.mu.RUnlock()

	if len(poses) == 0 {
		return nil
	}
	sort.Slice(poses, func(i, j int) bool { return poses[i].SensorID < poses[j].SensorID })

	topic := fmt.Sprintf("%s/results", p.publishPrefix)
	message := map[string]interface{}{
		"sensors":   poses,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined results: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetPose returns the last published pose for a sensor
func (p *Publisher) GetPose(sensorID string) (PublishedPose, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pose, ok := p.poses[sensorID]
	if !ok {
		return PublishedPose{}, false
	}
	return *pose, true
}

// ClearPose forgets a sensor's pose so it is left out of the combined topic
func (p *Publisher) ClearPose(sensorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.poses, sensorID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
