/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements. See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"os"
	"reflect"
	"strings"
	"time"
)

type EventStoreType string

const (
	PostgresEventStore EventStoreType = "postgres"
	MemoryEventStore   EventStoreType = "memory"
)

type MessageKind string

const (
	EventMessageKind  MessageKind = "event"
	RecordMessageKind MessageKind = "record"
)

type SslMode string

const (
	SslDisable    SslMode = "disable"
	SslPrefer     SslMode = "prefer"
	SslRequire    SslMode = "require"
	SslVerifyCa   SslMode = "verify-ca"
	SslVerifyFull SslMode = "verify-full"
)

type ConnectionConfig struct {
	Host     string  `toml:"host" yaml:"host"`
	Port     uint16  `toml:"port" yaml:"port"`
	Database string  `toml:"database" yaml:"database"`
	User     string  `toml:"user" yaml:"user"`
	Password string  `toml:"password" yaml:"password"`
	Ssl      SslMode `toml:"ssl" yaml:"ssl"`
}

type PublicationConfig struct {
	Name   string `toml:"name" yaml:"name"`
	Create *bool  `toml:"create" yaml:"create"`
}

type ReplicationSlotConfig struct {
	Name     string `toml:"name" yaml:"name"`
	Create   *bool  `toml:"create" yaml:"create"`
	AutoDrop *bool  `toml:"autodrop" yaml:"autodrop"`
}

type ConsumerConfig struct {
	Name         string      `toml:"name" yaml:"name"`
	Kind         MessageKind `toml:"kind" yaml:"kind"`
	Schema       string      `toml:"schema" yaml:"schema"`
	Table        string      `toml:"table" yaml:"table"`
	Actions      []string    `toml:"actions" yaml:"actions"`
	Condition    string      `toml:"condition" yaml:"condition"`
	GroupColumns []string    `toml:"groupcolumns" yaml:"groupcolumns"`
}

type PipelineConfig struct {
	Name      string   `toml:"name" yaml:"name"`
	Schema    string   `toml:"schema" yaml:"schema"`
	Table     string   `toml:"table" yaml:"table"`
	Actions   []string `toml:"actions" yaml:"actions"`
	Condition string   `toml:"condition" yaml:"condition"`
}

type SlotConfig struct {
	ID              string                `toml:"id" yaml:"id"`
	Connection      ConnectionConfig      `toml:"connection" yaml:"connection"`
	Publication     PublicationConfig     `toml:"publication" yaml:"publication"`
	ReplicationSlot ReplicationSlotConfig `toml:"replicationslot" yaml:"replicationslot"`
	Consumers       []ConsumerConfig      `toml:"consumers" yaml:"consumers"`
	Pipelines       []PipelineConfig      `toml:"pipelines" yaml:"pipelines"`
}

type EventStoreConfig struct {
	Type        EventStoreType `toml:"type" yaml:"type"`
	Connection  string         `toml:"connection" yaml:"connection"`
	MaxAttempts int            `toml:"maxattempts" yaml:"maxattempts"`
}

type StatsConfig struct {
	Enabled *bool  `toml:"enabled" yaml:"enabled"`
	Runtime *bool  `toml:"runtime" yaml:"runtime"`
	Address string `toml:"address" yaml:"address"`
}

type LoggerConfig struct {
	Level   string                     `toml:"level" yaml:"level"`
	Outputs LoggerOutputConfig         `toml:"output" yaml:"output"`
	Loggers map[string]SubLoggerConfig `toml:"loggers" yaml:"loggers"`
}

type SubLoggerConfig struct {
	Level   *string            `toml:"level" yaml:"level"`
	Outputs LoggerOutputConfig `toml:"output" yaml:"output"`
}

type LoggerOutputConfig struct {
	Console LoggerConsoleConfig `toml:"console" yaml:"console"`
	File    LoggerFileConfig    `toml:"file" yaml:"file"`
}

type LoggerConsoleConfig struct {
	Enabled *bool `toml:"enabled" yaml:"enabled"`
}

type LoggerFileConfig struct {
	Enabled     *bool          `toml:"enabled" yaml:"enabled"`
	Path        string         `toml:"path" yaml:"path"`
	Rotate      *bool          `toml:"rotate" yaml:"rotate"`
	MaxSize     *string        `toml:"maxsize" yaml:"maxsize"`
	MaxDuration *time.Duration `toml:"maxduration" yaml:"maxduration"`
	Compress    bool           `toml:"compress" yaml:"compress"`
}

type Config struct {
	Slots      []SlotConfig     `toml:"slots" yaml:"slots"`
	EventStore EventStoreConfig `toml:"eventstore" yaml:"eventstore"`
	Logging    LoggerConfig     `toml:"logging" yaml:"logging"`
	Stats      StatsConfig      `toml:"stats" yaml:"stats"`
}

func GetOrDefault[V any](
	config *Config, canonicalProperty string, defaultValue V,
) V {

	if env, found := findEnvProperty(canonicalProperty, defaultValue); found {
		return env
	}

	properties := strings.Split(canonicalProperty, ".")

	element := reflect.ValueOf(*config)
	for _, property := range properties {
		if e, ok := findProperty(element, property); ok {
			element = e
		} else {
			return defaultValue
		}
	}

	if !element.IsZero() &&
		!(element.Kind() == reflect.Ptr && element.IsNil()) {

		if element.Kind() == reflect.Ptr {
			element = element.Elem()
		}

		return element.Convert(reflect.TypeOf(defaultValue)).Interface().(V)
	}
	return defaultValue
}

func findEnvProperty[V any](
	canonicalProperty string, defaultValue V,
) (V, bool) {

	t := reflect.TypeOf(defaultValue)

	envVarName := strings.ToUpper(canonicalProperty)
	envVarName = strings.ReplaceAll(envVarName, "_", "__")
	envVarName = strings.ReplaceAll(envVarName, ".", "_")
	if val, ok := os.LookupEnv(envVarName); ok {
		v := reflect.ValueOf(val)
		cv := v.Convert(t)
		if !cv.IsZero() &&
			!(cv.Kind() == reflect.Ptr && cv.IsNil()) {
			return cv.Interface().(V), true
		}
	}
	return defaultValue, false
}

func findProperty(
	element reflect.Value, property string,
) (reflect.Value, bool) {

	t := element.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" && !f.Anonymous {
			continue
		}

		if f.Tag.Get("toml") == property {
			return element.Field(i), true
		}
	}
	return reflect.Value{}, false
}
