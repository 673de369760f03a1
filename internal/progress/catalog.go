package progress

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// StepDefinition describes one step of the pipeline before any job runs it.
type StepDefinition struct {
	ID                       string `yaml:"id" json:"id"`
	Title                    string `yaml:"title" json:"title"`
	Description              string `yaml:"description" json:"description"`
	EstimatedDurationSeconds int    `yaml:"estimated_duration_secs" json:"estimatedDurationSeconds"`
}

// Step ids of the default pipeline.
const (
	StepValidate     = "validate"
	StepAnalyze      = "analyze"
	StepScore        = "score"
	StepBenchmark    = "benchmark"
	StepSWOT         = "swot"
	StepRecommend    = "recommend"
	StepReport       = "report"
	StepQualityCheck = "quality_check"
	StepEmailPrep    = "email_prep"
	StepDeliver      = "deliver"
)

// DefaultSteps returns the standard ten-step diagnosis pipeline.
func DefaultSteps() []StepDefinition {
	return []StepDefinition{
		{StepValidate, "입력 검증", "제출하신 정보를 확인하고 있습니다", 5},
		{StepAnalyze, "기업 분석", "업종과 규모를 바탕으로 기업 현황을 분석하고 있습니다", 30},
		{StepScore, "역량 점수 산출", "영역별 역량 점수를 계산하고 있습니다", 20},
		{StepBenchmark, "업종 벤치마크", "동종 업계 평균과 비교하고 있습니다", 25},
		{StepSWOT, "SWOT 분석", "강점, 약점, 기회, 위협 요인을 도출하고 있습니다", 30},
		{StepRecommend, "맞춤 추천", "우선순위별 개선 과제를 추천하고 있습니다", 35},
		{StepReport, "보고서 작성", "진단 보고서를 작성하고 있습니다", 40},
		{StepQualityCheck, "품질 검증", "보고서 내용을 검토하고 있습니다", 15},
		{StepEmailPrep, "이메일 준비", "결과 안내 메일을 준비하고 있습니다", 10},
		{StepDeliver, "결과 발송", "진단 결과를 발송하고 있습니다", 10},
	}
}

// catalogFile is the YAML layout accepted by LoadSteps.
type catalogFile struct {
	Steps []StepDefinition `yaml:"steps"`
}

// LoadSteps reads a step catalog from a YAML file:
//
//	steps:
//	  - id: validate
//	    title: 입력 검증
//	    description: ...
//	    estimated_duration_secs: 5
func LoadSteps(path string) ([]StepDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "progress: read step catalog %s", path)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "progress: parse step catalog %s", path)
	}
	if err := validateSteps(f.Steps); err != nil {
		return nil, eris.Wrapf(err, "progress: step catalog %s", path)
	}
	return f.Steps, nil
}

func validateSteps(defs []StepDefinition) error {
	if len(defs) == 0 {
		return eris.New("no steps defined")
	}
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return eris.Errorf("step %d has no id", i)
		}
		if seen[d.ID] {
			return eris.Errorf("duplicate step id %q", d.ID)
		}
		if d.EstimatedDurationSeconds < 0 {
			return eris.Errorf("step %q has a negative duration", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
