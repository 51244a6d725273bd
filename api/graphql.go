package api

const upsertBucketMutation = `
mutation UpsertBucket(
	$id: String, $name: String, $project: String, $entity: String,
	$groupName: String, $description: String, $displayName: String,
	$notes: String, $commit: String, $config: JSONString, $host: String,
	$debug: Boolean, $program: String, $repo: String, $jobType: String,
	$state: String, $sweep: String, $tags: [String!], $summaryMetrics: JSONString
) {
	upsertBucket(input: {
		id: $id, name: $name, groupName: $groupName, modelName: $project,
		entityName: $entity, description: $description, displayName: $displayName,
		notes: $notes, config: $config, commit: $commit, host: $host,
		debug: $debug, jobProgram: $program, jobRepo: $repo, jobType: $jobType,
		state: $state, sweep: $sweep, tags: $tags, summaryMetrics: $summaryMetrics
	}) {
		bucket {
			id
			name
			displayName
			sweepName
			project {
				id
				name
				entity { id name }
			}
		}
		inserted
	}
}`

const resumeStatusQuery = `
query RunResumeStatus($project: String, $entity: String, $name: String!) {
	model(name: $project, entityName: $entity) {
		id
		name
		entity { id name }
		bucket(name: $name, missingOk: true) {
			id
			name
			summaryMetrics
			displayName
			logLineCount
			historyLineCount
			eventsLineCount
			historyTail
			eventsTail
			config
		}
	}
}`

const createArtifactMutation = `
mutation CreateArtifact(
	$artifactTypeName: String!, $artifactCollectionNames: [String!],
	$entityName: String!, $projectName: String!, $runName: String,
	$description: String, $digest: String!, $aliases: [ArtifactAliasInput!],
	$metadata: JSONString, $userCreated: Boolean, $clientID: ID
) {
	createArtifact(input: {
		artifactTypeName: $artifactTypeName,
		artifactCollectionNames: $artifactCollectionNames,
		entityName: $entityName, projectName: $projectName, runName: $runName,
		description: $description, digest: $digest, digestAlgorithm: MANIFEST_MD5,
		aliases: $aliases, metadata: $metadata, clientID: $clientID,
		enableDigestDeduplication: true, userCreated: $userCreated
	}) {
		artifact { id digest state }
	}
}`

const commitArtifactMutation = `
mutation CommitArtifact($artifactID: ID!) {
	commitArtifact(input: { artifactID: $artifactID }) {
		artifact { id digest }
	}
}`

const useArtifactMutation = `
mutation UseArtifact($entityName: String!, $projectName: String!, $runName: String!, $artifactID: ID!) {
	useArtifact(input: {
		entityName: $entityName, projectName: $projectName,
		runName: $runName, artifactID: $artifactID
	}) {
		artifact { id }
	}
}`
