package main

import (
	"time"
)

// RootResolver backs the built-in service schema (schema.graphql). Real
// deployments swap in their own schema and resolver; this one exists so the
// gateway answers something useful out of the box.
type RootResolver struct {
	started time.Time
}

func NewRootResolver() *RootResolver {
	return &RootResolver{started: time.Now()}
}

func (r *RootResolver) Health() string {
	return "ok"
}

func (r *RootResolver) Service() *ServiceResolver {
	return &ServiceResolver{root: r}
}

type ServiceResolver struct {
	root *RootResolver
}

func (s *ServiceResolver) Name() string {
	return "go-graphql gateway"
}

func (s *ServiceResolver) Version() string {
	return "0.1.0"
}

func (s *ServiceResolver) UptimeSeconds() int32 {
	return int32(time.Since(s.root.started).Seconds())
}
