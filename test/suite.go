//go:build integration

package test

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/bastion/core/backend"
	"github.com/relabs-tech/bastion/core/client"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/events"
)

const eventsTopic = "bastion.events.test"

var configurationJSON = `{
	"tables": [
		{"table": "tasks", "policy": "owner_scoped", "owner_column": "assigned_to"},
		{"table": "boards", "policy": "team_public"}
	]
}`

// IntegrationTestSuite runs a backend against postgres and kafka in containers
type IntegrationTestSuite struct {
	suite.Suite
	*backend.Backend

	dbConn *csql.DB
	router *mux.Router
	client client.Client

	network           testcontainers.Network
	zookeeper         testcontainers.Container
	kafkaContainer    testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "test-bastion-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.zookeeper, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "EXTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())
	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(eventsTopic, 3))

	s.dbConn, err = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "public")
	s.Require().NoError(err)
	_, err = s.dbConn.Exec(`CREATE TABLE tasks (
id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
title varchar NOT NULL,
status varchar NOT NULL DEFAULT 'open',
assigned_to varchar NOT NULL
);
CREATE TABLE boards (
id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
name varchar NOT NULL
);`)
	s.Require().NoError(err)

	s.router = mux.NewRouter()
	s.Backend = backend.New(&backend.Builder{
		Config:       configurationJSON,
		DB:           s.dbConn,
		Router:       s.router,
		UpdateSchema: true,
		EventSink:    events.NewKafkaSink([]string{s.kafkaAddr}, eventsTopic),
		// every test drains explicitly
		Waker: noWake{},
	})
	s.client = client.NewWithRouter(s.router)
}

type noWake struct{}

func (noWake) Wake(context.Context) error { return nil }

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.Backend != nil {
		s.Require().NoError(s.Close())
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeper, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}
