// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics provides the helpers used by every package's metrics
// struct: a reflection-based collector extractor plus the shared
// namespace/subsystem naming convention.
package metrics

import (
	"reflect"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the prometheus namespace shared by every collector
// registered by this module.
const Namespace = "wdht"

// PrometheusCollectorsFromFields returns all the values of s's exported
// fields that implement prometheus.Collector. s must be a struct or a
// pointer to one. Packages build a single metrics struct of named
// collector fields and pass it here instead of registering each field by
// hand.
func PrometheusCollectorsFromFields(s interface{}) (cs []prometheus.Collector) {
	v := reflect.Indirect(reflect.ValueOf(s))
	if v.Kind() != reflect.Struct {
		return nil
	}

	for i := 0; i < v.NumField(); i++ {
		if !v.Field(i).CanInterface() {
			continue
		}
		if u, ok := v.Field(i).Interface().(prometheus.Collector); ok {
			cs = append(cs, u)
		}
	}

	return cs
}
