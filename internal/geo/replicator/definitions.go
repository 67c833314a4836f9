// Package replicator holds the closed set of replicable kinds a Geo site
// replicates and the strategy used to publish and consume their events.
package replicator

import (
	"sort"

	"gitlab.com/gitlab-org/geo/internal/geo/events"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/transfer"
)

// Kind is how a replicable is transferred.
type Kind int

const (
	// KindRepository replicables are git repositories mirrored with git.
	KindRepository Kind = iota
	// KindBlob replicables are files downloaded over HTTP.
	KindBlob
)

func (k Kind) String() string {
	if k == KindRepository {
		return "repository"
	}
	return "blob"
}

// Replicable names.
const (
	Repository            = "repository"
	Wiki                  = "wiki"
	Design                = "design"
	SnippetRepository     = "snippet_repository"
	Upload                = "upload"
	JobArtifact           = "job_artifact"
	LFSObject             = "lfs_object"
	PackageFile           = "package_file"
	TerraformStateVersion = "terraform_state_version"
	PipelineArtifact      = "pipeline_artifact"
)

// Definition is the static metadata of a replicable kind.
type Definition struct {
	Name string
	Kind Kind
	// Events are the event names the replicable publishes and consumes.
	Events []string
	// RegistryTable tracks the replicable on the secondary.
	RegistryTable string
	// ModelTable holds the replicable records on the primary.
	ModelTable string
	// Downloader selects the transfer endpoint of blob replicables.
	Downloader transfer.DownloaderKind
}

// Supports reports whether eventName is declared by the replicable.
func (d Definition) Supports(eventName string) bool {
	for _, e := range d.Events {
		if e == eventName {
			return true
		}
	}
	return false
}

// SyncJobClass is the job class that syncs the replicable.
func (d Definition) SyncJobClass() string {
	if d.Kind == KindRepository {
		return jobqueue.ClassRepositorySync
	}
	return jobqueue.ClassBlobDownload
}

var (
	repositoryEvents = []string{events.Created, events.Updated, events.Deleted}
	blobEvents       = []string{events.Created, events.Deleted}
)

// definitions is built once and never mutated.
var definitions = func() map[string]Definition {
	defs := []Definition{
		{Name: Repository, Kind: KindRepository, Events: repositoryEvents, RegistryTable: "project_repository_registry", ModelTable: "projects"},
		{Name: Wiki, Kind: KindRepository, Events: repositoryEvents, RegistryTable: "project_wiki_repository_registry", ModelTable: "project_wiki_repositories"},
		{Name: Design, Kind: KindRepository, Events: repositoryEvents, RegistryTable: "design_management_repository_registry", ModelTable: "design_management_repositories"},
		{Name: SnippetRepository, Kind: KindRepository, Events: repositoryEvents, RegistryTable: "snippet_repository_registry", ModelTable: "snippet_repositories"},
		{Name: Upload, Kind: KindBlob, Events: blobEvents, RegistryTable: "upload_registry", ModelTable: "uploads", Downloader: transfer.FileDownloader},
		{Name: JobArtifact, Kind: KindBlob, Events: blobEvents, RegistryTable: "job_artifact_registry", ModelTable: "ci_job_artifacts", Downloader: transfer.JobArtifactDownloader},
		{Name: LFSObject, Kind: KindBlob, Events: blobEvents, RegistryTable: "lfs_object_registry", ModelTable: "lfs_objects", Downloader: transfer.BlobDownloader},
		{Name: PackageFile, Kind: KindBlob, Events: blobEvents, RegistryTable: "package_file_registry", ModelTable: "packages_package_files", Downloader: transfer.BlobDownloader},
		{Name: TerraformStateVersion, Kind: KindBlob, Events: blobEvents, RegistryTable: "terraform_state_version_registry", ModelTable: "terraform_state_versions", Downloader: transfer.BlobDownloader},
		{Name: PipelineArtifact, Kind: KindBlob, Events: blobEvents, RegistryTable: "pipeline_artifact_registry", ModelTable: "ci_pipeline_artifacts", Downloader: transfer.BlobDownloader},
	}

	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return m
}()

// Lookup returns the definition of the replicable name.
func Lookup(name string) (Definition, bool) {
	d, ok := definitions[name]
	return d, ok
}

// Definitions returns every replicable definition sorted by name.
func Definitions() []Definition {
	defs := make([]Definition, 0, len(definitions))
	for _, d := range definitions {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
