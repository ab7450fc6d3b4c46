// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dermagate/ingestion/internal/models"
)

// TestPublishAdmitted_CeleryEnvelope verifies the message lands on the queue
// in the envelope Celery expects.
func TestPublishAdmitted_CeleryEnvelope(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()

	p := NewPublisher(rdb, "admitted")
	event := &models.AdmittedEvent{
		AttemptID:  "attempt-1",
		Category:   "SkinCancer",
		Signature:  "abc123",
		Address:    "/data/abc123.png",
		Format:     "png",
		Size:       2048,
		AdmittedAt: "2026-01-01T00:00:00Z",
	}

	if err := p.PublishAdmitted(context.Background(), event); err != nil {
		t.Fatalf("PublishAdmitted: %v", err)
	}

	items, err := srv.List("admitted")
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue length = %d, want 1", len(items))
	}

	var msg celeryMessage
	if err := json.Unmarshal([]byte(items[0]), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Headers["task"] != DefaultTaskName {
		t.Errorf("task header = %v", msg.Headers["task"])
	}
	if msg.Properties["routing_key"] != "admitted" {
		t.Errorf("routing_key = %v", msg.Properties["routing_key"])
	}

	var task celeryTask
	if err := json.Unmarshal([]byte(msg.Body), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID == "" || task.ID != msg.Headers["id"] {
		t.Errorf("task id = %q, header id = %v", task.ID, msg.Headers["id"])
	}
	if len(task.Args) != 1 {
		t.Fatalf("args = %v", task.Args)
	}

	var got models.AdmittedEvent
	if err := json.Unmarshal([]byte(task.Args[0].(string)), &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got != *event {
		t.Errorf("event = %+v, want %+v", got, *event)
	}
}

// TestPublisher_Ping verifies the health check.
func TestPublisher_Ping(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()

	if err := NewPublisher(rdb, "admitted").Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
