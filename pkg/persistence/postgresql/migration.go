package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_definitions (
				id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				name VARCHAR(255) NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (id, version)
			);

			CREATE INDEX idx_workflow_definitions_created_at ON workflow_definitions(created_at);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version INTEGER NOT NULL,
				state VARCHAR(50) NOT NULL,
				sequence BIGINT NOT NULL,
				execution JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_state ON workflow_executions(state);

			CREATE TABLE checkpoints (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				sequence BIGINT NOT NULL,
				reason VARCHAR(50) NOT NULL,
				checksum VARCHAR(64) NOT NULL,
				state JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_checkpoints_execution_sequence ON checkpoints(execution_id, sequence);
		`,
		2: `
			CREATE TABLE webhook_subscriptions (
				id VARCHAR(255) PRIMARY KEY,
				direction VARCHAR(20) NOT NULL CHECK (direction IN ('inbound', 'outbound')),
				workflow_id VARCHAR(255),
				subscription JSONB NOT NULL,
				status JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_webhook_subscriptions_direction ON webhook_subscriptions(direction);
		`,
	}
}
